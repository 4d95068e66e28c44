package dedup

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/kv"
)

// Fingerprint hashes the payload fields that change the rendered output.
// Two payloads that only differ in map order, recipient case or unicode
// normalization form share a fingerprint.
func Fingerprint(p domain.Payload) (string, error) {
	canon := map[string]any{
		"recipient":   strings.ToLower(strings.TrimSpace(p.Recipient)),
		"locale":      strings.ToLower(strings.TrimSpace(p.Locale)),
		"entity":      normalize(p.Entity),
		"data":        normalize(p.Data),
		"attachments": normalize(sortedCopy(p.Attachments)),
	}
	// encoding/json writes map keys in sorted order, which makes the
	// encoding canonical.
	b, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Key derives the idempotency key from the event type, the business key
// and the content fingerprint.
func Key(eventType domain.EventType, businessKey, fingerprint string) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{string(eventType), businessKey, fingerprint} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = norm.NFC.String(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[norm.NFC.String(k)] = norm.NFC.String(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[norm.NFC.String(k)] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// Deduplicator holds one record per idempotency key for the dedup window.
type Deduplicator struct {
	store  kv.Store
	window time.Duration
}

func New(store kv.Store, window time.Duration) *Deduplicator {
	return &Deduplicator{store: store, window: window}
}

func recordKey(key string) string { return "dedup:" + key }

// Lookup returns the job id recorded for key, if the record is still live.
func (d *Deduplicator) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, ok, err := d.store.Get(ctx, recordKey(key))
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return id, ok, nil
}

// Reserve records jobID under key unless a live record exists; in that case
// the recorded job id is returned with reserved=false.
func (d *Deduplicator) Reserve(ctx context.Context, key, jobID string) (string, bool, error) {
	existing, created, err := d.store.SetNX(ctx, recordKey(key), jobID, d.window)
	if err != nil {
		return "", false, fmt.Errorf("dedup reserve: %w", err)
	}
	return existing, created, nil
}

// Release drops a reservation whose job could not be enqueued.
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	if err := d.store.Delete(ctx, recordKey(key)); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

func (d *Deduplicator) Window() time.Duration { return d.window }
