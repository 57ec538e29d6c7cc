package jsonstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const codeLength = 12

var ErrCodeNotFound = errors.New("promo code not found")

type promoEntry struct {
	PlanKey string
	// Used only appears in files written by older versions; such codes are spent.
	Used bool
	// extra holds fields added to the file by hand; they are written back as is.
	extra map[string]json.RawMessage
}

func (e *promoEntry) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["plan_key"]; ok {
		if err := json.Unmarshal(raw, &e.PlanKey); err != nil {
			return fmt.Errorf("plan_key: %w", err)
		}
		delete(fields, "plan_key")
	}
	if raw, ok := fields["used"]; ok {
		if err := json.Unmarshal(raw, &e.Used); err != nil {
			return fmt.Errorf("used: %w", err)
		}
		delete(fields, "used")
	}
	if len(fields) > 0 {
		e.extra = fields
	}
	return nil
}

// MarshalJSON never writes "used": spent legacy entries are dropped on load.
func (e promoEntry) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.extra)+1)
	for k, v := range e.extra {
		fields[k] = v
	}
	planKey, err := json.Marshal(e.PlanKey)
	if err != nil {
		return nil, err
	}
	fields["plan_key"] = planKey
	return json.Marshal(fields)
}

// Promo is an unredeemed code.
type Promo struct {
	Code    string
	PlanKey string
}

type PromoStore struct {
	file *jsonFile
}

func NewPromoStore(path string) *PromoStore {
	return &PromoStore{file: newJSONFile(path)}
}

// Create mints a fresh code for planKey. The caller checks that the plan exists.
func (s *PromoStore) Create(ctx context.Context, planKey string) (string, error) {
	if planKey == "" {
		return "", errors.New("promo: empty plan key")
	}

	var code string
	err := s.file.locked(ctx, func() error {
		codes, err := s.load()
		if err != nil {
			return err
		}
		for {
			code, err = generateCode()
			if err != nil {
				return err
			}
			if _, taken := codes[code]; !taken {
				break
			}
		}
		codes[code] = promoEntry{PlanKey: planKey}
		return s.file.write(codes)
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Consume removes code and returns its plan. A code can be consumed once;
// unknown and already spent codes are ErrCodeNotFound.
func (s *PromoStore) Consume(ctx context.Context, code string) (string, error) {
	var planKey string
	err := s.file.locked(ctx, func() error {
		codes, err := s.load()
		if err != nil {
			return err
		}
		entry, ok := codes[code]
		if !ok || code == "" {
			return ErrCodeNotFound
		}
		delete(codes, code)
		if err := s.file.write(codes); err != nil {
			return err
		}
		planKey = entry.PlanKey
		return nil
	})
	if err != nil {
		return "", err
	}
	return planKey, nil
}

// Restore puts back a code whose redemption could not be credited. Hand-added
// fields of the consumed entry are not restored.
func (s *PromoStore) Restore(ctx context.Context, code, planKey string) error {
	return s.file.locked(ctx, func() error {
		codes, err := s.load()
		if err != nil {
			return err
		}
		codes[code] = promoEntry{PlanKey: planKey}
		return s.file.write(codes)
	})
}

// List returns the unredeemed codes sorted by code.
func (s *PromoStore) List(ctx context.Context) ([]Promo, error) {
	var promos []Promo
	err := s.file.locked(ctx, func() error {
		codes, err := s.load()
		if err != nil {
			return err
		}
		promos = make([]Promo, 0, len(codes))
		for code, entry := range codes {
			promos = append(promos, Promo{Code: code, PlanKey: entry.PlanKey})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(promos, func(i, j int) bool { return promos[i].Code < promos[j].Code })
	return promos, nil
}

// load reads the store with spent legacy entries filtered out.
func (s *PromoStore) load() (map[string]promoEntry, error) {
	raw := map[string]promoEntry{}
	if err := s.file.read(&raw); err != nil {
		return nil, err
	}
	codes := make(map[string]promoEntry, len(raw))
	for code, entry := range raw {
		if entry.Used {
			continue
		}
		codes[code] = entry
	}
	return codes, nil
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate promo code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:codeLength], nil
}
