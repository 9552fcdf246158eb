package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/assetledger/auditchain/internal/chain"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

// ErrUnsupportedFormat is returned by Export for an unknown format name.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// csvAbsent marks a nil old/new value in CSV output so it stays
// distinguishable from an empty value.
const csvAbsent = "<none>"

// Export writes the entity's full chain to w.
// Supported formats: "jsonl" (default), "json", "csv".
func (s *Service) Export(ctx context.Context, w io.Writer, entityID, format string) error {
	switch format {
	case FormatJSONL, FormatJSON, FormatCSV, "":
	default:
		return fmt.Errorf("%w: %s (use json, jsonl, or csv)", ErrUnsupportedFormat, format)
	}

	recs, err := s.backend.GetAllOrdered(ctx, entityID)
	if err != nil {
		return fmt.Errorf("reading chain for export: %w", err)
	}
	if recs == nil {
		recs = []chain.Record{}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)

	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{
			"entity_id", "sequence", "timestamp", "field_name", "old_value", "new_value",
			"actor_id", "actor_email", "previous_digest", "current_digest",
		}); err != nil {
			return err
		}
		for _, r := range recs {
			if err := cw.Write([]string{
				r.EntityID,
				strconv.FormatUint(r.Sequence, 10),
				r.Timestamp.UTC().Format(time.RFC3339Nano),
				r.FieldName,
				csvValue(r.OldValue),
				csvValue(r.NewValue),
				r.ActorID,
				r.ActorEmail,
				r.PreviousDigest,
				r.CurrentDigest,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		enc := json.NewEncoder(w)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
}

func csvValue(v *string) string {
	if v == nil {
		return csvAbsent
	}
	return *v
}
