package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// GenesisHash is the previous hash of the first event of every visit
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Draft is an event that has not been sealed into a chain yet
type Draft struct {
	Actor     model.Actor
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the kind of the draft's payload
func (d Draft) Kind() Kind {
	return d.Payload.Kind()
}

// AuditEvent is a sealed, immutable ledger entry
type AuditEvent struct {
	GlobalSeq int64           `json:"globalSeq"`
	VisitSeq  int64           `json:"visitSeq"`
	VisitID   string          `json:"visitId"`
	Kind      Kind            `json:"kind"`
	Actor     model.Actor     `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
	Amends    *int64          `json:"amends,omitempty"`
}

// Decode returns the typed payload of the event
func (e AuditEvent) Decode() (Payload, error) {
	return DecodePayload(e.Kind, e.Payload)
}

// Normalize truncates to microseconds in UTC so timestamps survive storage round trips
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Seal turns a draft into the next event of a visit's chain. prev is the visit's
// latest event, or nil for the first one.
func Seal(prev *AuditEvent, visitID string, draft Draft, globalSeq int64) (AuditEvent, error) {
	if draft.Payload == nil {
		return AuditEvent{}, fmt.Errorf("%w: draft has no payload", model.ErrInvalidInput)
	}
	if draft.Actor.ID == "" {
		return AuditEvent{}, fmt.Errorf("%w: draft has no actor", model.ErrInvalidInput)
	}

	payload, err := canonicalJSON(draft.Payload)
	if err != nil {
		return AuditEvent{}, err
	}

	event := AuditEvent{
		GlobalSeq: globalSeq,
		VisitSeq:  1,
		VisitID:   visitID,
		Kind:      draft.Kind(),
		Actor:     draft.Actor,
		Timestamp: Normalize(draft.Timestamp),
		Payload:   payload,
		PrevHash:  GenesisHash,
	}
	if prev != nil {
		event.VisitSeq = prev.VisitSeq + 1
		event.PrevHash = prev.Hash
	}
	if amended, ok := draft.Payload.(AmendedPayload); ok {
		target := amended.Amends
		event.Amends = &target
	}
	event.Hash = computeHash(event.PrevHash, event.Kind, event.Actor, event.Timestamp, payload)
	return event, nil
}

func computeHash(prevHash string, kind Kind, actor model.Actor, ts time.Time, payload []byte) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0x1f})
	}
	write(prevHash)
	write(string(kind))
	write(actor.ID)
	write(strconv.FormatBool(actor.Elevated))
	write(Normalize(ts).Format(time.RFC3339Nano))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Recompute returns the hash the event should carry given its content.
// The payload is re-encoded canonically, so storage that reorders keys or whitespace
// does not matter, but any key or value outside the payload's schema does.
func Recompute(e AuditEvent) (string, error) {
	p, err := e.Decode()
	if err != nil {
		return "", err
	}
	payload, err := canonicalJSON(p)
	if err != nil {
		return "", err
	}
	same, err := equivalentJSON(e.Payload, payload)
	if err != nil {
		return "", err
	}
	if !same {
		return "", fmt.Errorf("stored %s payload differs from its canonical form", e.Kind)
	}
	if err := checkAmends(e, p); err != nil {
		return "", err
	}
	return computeHash(e.PrevHash, e.Kind, e.Actor, e.Timestamp, payload), nil
}

// checkAmends requires the amends reference to match the payload of amended events
// and to be absent from every other kind
func checkAmends(e AuditEvent, p Payload) error {
	amended, ok := p.(AmendedPayload)
	switch {
	case !ok && e.Amends != nil:
		return fmt.Errorf("%s event references event %d", e.Kind, *e.Amends)
	case ok && (e.Amends == nil || *e.Amends != amended.Amends):
		return fmt.Errorf("amends reference does not match payload event %d", amended.Amends)
	}
	return nil
}

// Verify recomputes a visit's chain from the genesis value. It fails on the first event
// whose hash, previous hash or sequence numbers do not match.
func Verify(chain []AuditEvent) error {
	prevHash := GenesisHash
	var prevGlobal int64
	var visitID string

	for i, e := range chain {
		fail := func(reason string) error {
			return &model.LedgerIntegrityError{VisitID: e.VisitID, VisitSeq: e.VisitSeq, Reason: reason}
		}
		if i == 0 {
			visitID = e.VisitID
		} else if e.VisitID != visitID {
			return fail(fmt.Sprintf("event belongs to visit %s", e.VisitID))
		}
		if e.VisitSeq != int64(i+1) {
			return fail(fmt.Sprintf("expected visit sequence %d", i+1))
		}
		if i > 0 && e.GlobalSeq <= prevGlobal {
			return fail(fmt.Sprintf("global sequence %d does not follow %d", e.GlobalSeq, prevGlobal))
		}
		if e.PrevHash != prevHash {
			return fail("previous hash does not match chain")
		}
		hash, err := Recompute(e)
		if err != nil {
			return fail(err.Error())
		}
		if hash != e.Hash {
			return fail("content hash mismatch")
		}
		prevHash = e.Hash
		prevGlobal = e.GlobalSeq
	}
	return nil
}

// Find returns the event with the given visit sequence
func Find(chain []AuditEvent, visitSeq int64) (AuditEvent, bool) {
	for _, e := range chain {
		if e.VisitSeq == visitSeq {
			return e, true
		}
	}
	return AuditEvent{}, false
}
