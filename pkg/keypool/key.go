package keypool

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spounge-ai/keypool/pkg/keypool/allocation"
)

// KeyID identifies a stored key independently of its secret.
type KeyID struct {
	value uuid.UUID
}

func NewKeyID() KeyID {
	return KeyID{value: uuid.New()}
}

func KeyIDFromUUID(id uuid.UUID) KeyID {
	return KeyID{value: id}
}

func KeyIDFromString(s string) (KeyID, error) {
	if s == "" {
		return KeyID{}, fmt.Errorf("key id cannot be empty")
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return KeyID{}, fmt.Errorf("invalid key id: %w", err)
	}
	return KeyID{value: id}, nil
}

func (k KeyID) UUID() uuid.UUID {
	return k.value
}

func (k KeyID) String() string {
	return k.value.String()
}

func (k KeyID) IsZero() bool {
	return k.value == uuid.Nil
}

// Key is a stored API credential and its usage state for the current minute.
type Key struct {
	ID            KeyID
	OwnerID       int64
	Secret        string
	Domains       []Domain
	Uses          int
	LastUsed      time.Time
	CooldownUntil *time.Time
	Flag          *int
	CreatedAt     time.Time
}

// Selector returns a selector matching exactly this key.
func (k *Key) Selector() Selector {
	return ByID(k.ID)
}

// EffectiveUses is the key's usage counter as of now.
func (k *Key) EffectiveUses(now time.Time) int {
	return allocation.EffectiveUsage(k.Uses, k.LastUsed, now)
}

// CoolingDown reports whether the key is excluded from allocation at now.
func (k *Key) CoolingDown(now time.Time) bool {
	return allocation.CoolingDown(k.CooldownUntil, now)
}

func (k *Key) HasDomain(d Domain) bool {
	return slices.Contains(k.Domains, d)
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	c := *k
	c.Domains = slices.Clone(k.Domains)
	if k.CooldownUntil != nil {
		until := *k.CooldownUntil
		c.CooldownUntil = &until
	}
	if k.Flag != nil {
		flag := *k.Flag
		c.Flag = &flag
	}
	return &c
}

// LogValue keeps the secret out of structured logs.
func (k *Key) LogValue() slog.Value {
	if k == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("id", k.ID.String()),
		slog.Int64("owner_id", k.OwnerID),
		slog.Int("uses", k.Uses),
		slog.Any("domains", k.Domains),
	)
}

// MergeDomains appends the domains of add that are missing from base,
// preserving order and dropping duplicates.
func MergeDomains(base, add []Domain) []Domain {
	out := make([]Domain, 0, len(base)+len(add))
	for _, d := range base {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	for _, d := range add {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// WithoutDomain returns domains minus every occurrence of d.
func WithoutDomain(domains []Domain, d Domain) []Domain {
	out := make([]Domain, 0, len(domains))
	for _, existing := range domains {
		if existing != d {
			out = append(out, existing)
		}
	}
	return out
}
