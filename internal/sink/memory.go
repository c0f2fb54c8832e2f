package sink

import (
	"context"
	"sync"

	"codeberg.org/mutker/tamer/internal/schema"
)

// Memory keeps every schema and a copy of every frame it receives.
type Memory struct {
	name string

	mu     sync.Mutex
	book   *schema.Book
	frames []schema.Frame
	counts map[string]map[uint32]int
}

// NewMemory returns an empty in-memory sink.
func NewMemory(name string) *Memory {
	return &Memory{
		name:   name,
		book:   schema.NewBook(),
		counts: make(map[string]map[uint32]int),
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) OnSchema(_ context.Context, s *schema.Schema) error {
	m.book.Add(s)
	return nil
}

func (m *Memory) OnFrame(_ context.Context, f schema.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = append(m.frames, f.Clone())
	byVersion, ok := m.counts[f.Channel]
	if !ok {
		byVersion = make(map[uint32]int)
		m.counts[f.Channel] = byVersion
	}
	byVersion[f.Version()]++
	return nil
}

func (m *Memory) Close() error { return nil }

// Book returns the schemas received so far.
func (m *Memory) Book() *schema.Book {
	return m.book
}

// FrameCount returns how many frames of channel were captured under version.
func (m *Memory) FrameCount(channel string, version uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[channel][version]
}

// Frames returns the frames received for channel in arrival order.
func (m *Memory) Frames(channel string) []schema.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []schema.Frame
	for _, f := range m.frames {
		if f.Channel == channel {
			out = append(out, f)
		}
	}
	return out
}

// Records decodes every frame of channel against the schema it was
// captured under.
func (m *Memory) Records(channel string) ([]schema.Record, error) {
	frames := m.Frames(channel)
	out := make([]schema.Record, 0, len(frames))
	for _, f := range frames {
		rec, err := m.book.Decode(channel, f.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
