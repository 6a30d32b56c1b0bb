package tx

import (
	"github.com/ethereum/go-ethereum/core/types"
)

// Status of a sent transaction. Pending is the only non-terminal status.
type Status uint8

const (
	StatusPending Status = iota
	StatusFailed
	StatusSucceeded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool { return s != StatusPending }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Receipt is Pending | Failed(raw) | Succeeded(raw, details). Raw is nil
// while pending; Details is only meaningful when succeeded.
type Receipt[D any] struct {
	Status  Status
	Raw     *types.Receipt
	Details D
}

func Pending[D any]() Receipt[D] {
	return Receipt[D]{Status: StatusPending}
}

func Failed[D any](raw *types.Receipt) Receipt[D] {
	return Receipt[D]{Status: StatusFailed, Raw: raw}
}

func Succeeded[D any](raw *types.Receipt, details D) Receipt[D] {
	return Receipt[D]{Status: StatusSucceeded, Raw: raw, Details: details}
}

// Match calls exactly one of the handlers for r's status.
func (r Receipt[D]) Match(pending func(), failed func(*types.Receipt), succeeded func(*types.Receipt, D)) {
	switch r.Status {
	case StatusPending:
		pending()
	case StatusFailed:
		failed(r.Raw)
	case StatusSucceeded:
		succeeded(r.Raw, r.Details)
	default:
		panic("tx: receipt with unknown status")
	}
}
