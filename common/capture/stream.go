package capture

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxisworks/meshflow/common/redis"
)

// StreamStore journals into Redis streams, one stream per record kind under
// a shared prefix, for deployments that tail traces live.
type StreamStore struct {
	client *redis.Client
	prefix string
}

// NewStreamStore creates a Redis-backed journal
func NewStreamStore(client *redis.Client, prefix string) *StreamStore {
	return &StreamStore{client: client, prefix: prefix}
}

func (s *StreamStore) firingsStream() string   { return s.prefix + ":firings" }
func (s *StreamStore) genealogyStream() string { return s.prefix + ":genealogy" }
func (s *StreamStore) joinsStream() string     { return s.prefix + ":joins" }

func (s *StreamStore) add(ctx context.Context, stream string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode capture record: %w", err)
	}
	_, err = s.client.AddToStream(ctx, stream, map[string]interface{}{
		"record": string(data),
	})
	return err
}

func (s *StreamStore) AppendFiring(ctx context.Context, f *Firing) error {
	return s.add(ctx, s.firingsStream(), f)
}

func (s *StreamStore) AppendGenealogy(ctx context.Context, g *Genealogy) error {
	return s.add(ctx, s.genealogyStream(), g)
}

func (s *StreamStore) AppendJoin(ctx context.Context, j *JoinSync) error {
	return s.add(ctx, s.joinsStream(), j)
}

// Close is a no-op; client lifetime belongs to bootstrap.
func (s *StreamStore) Close() error {
	return nil
}

// Firings replays the firing stream in id order.
func (s *StreamStore) Firings(ctx context.Context) ([]Firing, error) {
	msgs, err := s.client.ReadStreamRange(ctx, s.firingsStream())
	if err != nil {
		return nil, err
	}
	out := make([]Firing, 0, len(msgs))
	for _, msg := range msgs {
		var f Firing
		if err := decodeStreamRecord(msg.Values, &f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// GenealogyEdges replays the genealogy stream in id order.
func (s *StreamStore) GenealogyEdges(ctx context.Context) ([]Genealogy, error) {
	msgs, err := s.client.ReadStreamRange(ctx, s.genealogyStream())
	if err != nil {
		return nil, err
	}
	out := make([]Genealogy, 0, len(msgs))
	for _, msg := range msgs {
		var g Genealogy
		if err := decodeStreamRecord(msg.Values, &g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// JoinRecords replays the join stream in id order.
func (s *StreamStore) JoinRecords(ctx context.Context) ([]JoinSync, error) {
	msgs, err := s.client.ReadStreamRange(ctx, s.joinsStream())
	if err != nil {
		return nil, err
	}
	out := make([]JoinSync, 0, len(msgs))
	for _, msg := range msgs {
		var j JoinSync
		if err := decodeStreamRecord(msg.Values, &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func decodeStreamRecord(values map[string]interface{}, dst any) error {
	raw, ok := values["record"].(string)
	if !ok {
		return fmt.Errorf("capture stream entry missing record field")
	}
	return json.Unmarshal([]byte(raw), dst)
}
