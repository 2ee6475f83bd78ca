package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/roomsync/internal/config"
	"github.com/alexjbarnes/roomsync/internal/roomsync"
)

// record is one line (json) or document (yaml) on stdout.
type record struct {
	Type   string             `json:"type" yaml:"type"`
	Health string             `json:"health,omitempty" yaml:"health,omitempty"`
	State  *roomsync.Snapshot `json:"state,omitempty" yaml:"state,omitempty"`
}

// renderer writes state and health changes to w in the configured format.
type renderer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func newRenderer(w io.Writer, format string) *renderer {
	return &renderer{w: w, format: format}
}

func (r *renderer) State(snap *roomsync.Snapshot) error {
	return r.write(record{Type: "state", State: snap})
}

func (r *renderer) Health(h roomsync.Health) error {
	return r.write(record{Type: "health", Health: h.String()})
}

func (r *renderer) write(rec record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.format {
	case config.OutputNone:
		return nil
	case config.OutputJSON:
		return json.NewEncoder(r.w).Encode(rec)
	default:
		data, err := yaml.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding %s record: %w", rec.Type, err)
		}

		if _, err := io.WriteString(r.w, "---\n"); err != nil {
			return err
		}

		_, err = r.w.Write(data)

		return err
	}
}
