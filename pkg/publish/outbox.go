package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Outbox is a Sink writing one YAML document per consumer under a
// directory. Writes go through a temp file and a rename so readers never
// observe a partial document.
type Outbox struct {
	dir string
}

// NewOutbox creates an outbox rooted at dir, creating it if needed.
func NewOutbox(dir string) (*Outbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("outbox directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating outbox directory: %w", err)
	}
	return &Outbox{dir: dir}, nil
}

// Deliver implements Sink.
func (o *Outbox) Deliver(ctx context.Context, consumer string, document []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(o.dir, consumer+".yaml")
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, document, 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s -> %s: %w", tmp, target, err)
	}
	return nil
}

// renderDocument serializes facts as YAML with stable key order.
func renderDocument(facts map[string]string) ([]byte, error) {
	return yaml.Marshal(facts)
}
