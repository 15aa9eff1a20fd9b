package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/partition"
)

var (
	// usernamePattern allows lowercase letters and digits only, 3 to 20 characters.
	usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9]{1,18}[a-z0-9]$`)
	passwordPattern = regexp.MustCompile(`^[a-z0-9?._-]{1,20}$`)
	sizePattern     = regexp.MustCompile(`^(\d+)%?$`)
)

// Intent is the operator's declared target state. It is validated once and
// not modified after confirmation.
type Intent struct {
	Username string
	Password string
	// PartitionPercent is zero when the operator keeps the current layout.
	PartitionPercent int
}

// Repartition reports whether the intent asks for a new layout.
func (i Intent) Repartition() bool {
	return i.PartitionPercent != 0
}

// Validator checks operator input against the fixed syntactic rules the
// on-device postinstall script accepts.
type Validator struct{}

// NewValidator creates a new intent validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateUsername checks a linux user name
func (v *Validator) ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		slog.Debug("security_username_rejected", "username", username)
		return fmt.Errorf("incorrect username %q: use 3-20 lowercase letters or digits", username)
	}
	return nil
}

// ValidatePassword checks a linux user password
func (v *Validator) ValidatePassword(password string) error {
	if !passwordPattern.MatchString(password) {
		slog.Debug("security_password_rejected", "length", len(password))
		return fmt.Errorf("incorrect password: use 1-20 characters from [a-z0-9?._-]")
	}
	return nil
}

// ParsePartitionSize parses "50%" or "50". An empty string means "keep the
// current layout" and returns 0.
func (v *Validator) ParsePartitionSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}

	m := sizePattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("%w: %q, it can be [%d; %d]%%", errors.ErrInvalidPartitionSize, raw, partition.MinPercent, partition.MaxPercent)
	}
	percent, err := strconv.Atoi(m[1])
	if err != nil || percent < partition.MinPercent || percent > partition.MaxPercent {
		return 0, fmt.Errorf("%w: %q, it can be [%d; %d]%%", errors.ErrInvalidPartitionSize, raw, partition.MinPercent, partition.MaxPercent)
	}
	return percent, nil
}

// Validate checks every field of an intent.
func (v *Validator) Validate(intent Intent) error {
	if err := v.ValidateUsername(intent.Username); err != nil {
		return err
	}
	if err := v.ValidatePassword(intent.Password); err != nil {
		return err
	}
	if intent.PartitionPercent != 0 &&
		(intent.PartitionPercent < partition.MinPercent || intent.PartitionPercent > partition.MaxPercent) {
		return fmt.Errorf("%w: %d%%", errors.ErrInvalidPartitionSize, intent.PartitionPercent)
	}
	return nil
}
