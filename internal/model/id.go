package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// IDType is the prefix of a generated ID. Execution IDs are chosen by the
// caller and are not generated.
type IDType string

const (
	IDTypeTask   IDType = "task"
	IDTypeBranch IDType = "br"
)

// Generated IDs are <type>_<unix millis, 13 digits>_<8 hex>, so IDs of one
// type sort by creation time.
var idRegex = regexp.MustCompile(`^(task|br)_[0-9]{13}_[0-9a-f]{8}$`)

// NewIDGenerator returns a generator stamping IDs with now().
func NewIDGenerator(now func() time.Time) func(IDType) (string, error) {
	return func(idType IDType) (string, error) {
		switch idType {
		case IDTypeTask, IDTypeBranch:
		default:
			return "", fmt.Errorf("invalid ID type: %s", idType)
		}
		var suffix [4]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", fmt.Errorf("generate id suffix: %w", err)
		}
		return fmt.Sprintf("%s_%013d_%s", idType, now().UnixMilli(), hex.EncodeToString(suffix[:])), nil
	}
}

// ParseIDType returns the type prefix of a generated ID.
func ParseIDType(id string) (IDType, error) {
	m := idRegex.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(m[1]), nil
}
