package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"codeberg.org/mutker/tamer/internal/schema"
	"codeberg.org/mutker/tamer/internal/sink"
	"gopkg.in/yaml.v3"
)

type dumpSchema struct {
	Channel     string `yaml:"channel"`
	Version     uint32 `yaml:"version"`
	Hash        string `yaml:"hash"`
	PayloadSize int    `yaml:"payload_size"`
	Text        string `yaml:"text"`
}

type dumpRecord struct {
	Timestamp time.Time `yaml:"timestamp"`
	Channel   string    `yaml:"channel"`
	Version   uint32    `yaml:"version"`
	Values    yaml.Node `yaml:"values"`
}

type dumpDocument struct {
	Session string       `yaml:"session"`
	Schemas []dumpSchema `yaml:"schemas"`
	Records []dumpRecord `yaml:"records"`
}

func dump(w io.Writer, path string) error {
	rec, err := sink.ReadFile(path)
	if err != nil {
		return err
	}

	doc := dumpDocument{Session: rec.Session.String()}
	for _, s := range rec.Schemas {
		doc.Schemas = append(doc.Schemas, dumpSchema{
			Channel:     s.Channel,
			Version:     s.Version,
			Hash:        fmt.Sprintf("%016x", s.Hash),
			PayloadSize: s.PayloadSize,
			Text:        s.String(),
		})
	}
	for _, r := range rec.Records {
		values, err := valuesNode(r)
		if err != nil {
			return err
		}
		doc.Records = append(doc.Records, dumpRecord{
			Timestamp: r.Timestamp.UTC(),
			Channel:   r.Channel,
			Version:   r.Version,
			Values:    values,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// valuesNode keeps the field order of the record, which a map would lose.
func valuesNode(r schema.Record) (yaml.Node, error) {
	node := yaml.Node{Kind: yaml.MappingNode}
	for _, v := range r.Flatten() {
		value := v.Value
		if b, ok := value.([]byte); ok {
			value = hex.EncodeToString(b)
		}

		var valueNode yaml.Node
		if err := valueNode.Encode(value); err != nil {
			return node, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: v.Name},
			&valueNode,
		)
	}
	return node, nil
}
