package state

import (
	"fmt"
	"strings"
)

// Key identifies one store: a deployment version paired with a
// collateral symbol, e.g. "v1"/"ETH".
type Key struct {
	Version    string `json:"version"`
	Collateral string `json:"collateral"`
}

func (k Key) String() string {
	return k.Version + "/" + k.Collateral
}

// ParseKey parses "version/collateral".
func ParseKey(s string) (Key, error) {
	version, collateral, ok := strings.Cut(s, "/")
	if !ok || version == "" || collateral == "" {
		return Key{}, fmt.Errorf("invalid store key %q: want version/collateral", s)
	}
	return Key{Version: version, Collateral: collateral}, nil
}

// Less orders keys by version, then collateral.
func (k Key) Less(o Key) bool {
	if k.Version != o.Version {
		return k.Version < o.Version
	}
	return k.Collateral < o.Collateral
}
