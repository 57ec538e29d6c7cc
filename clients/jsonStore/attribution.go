package jsonstore

import (
	"context"
	"errors"
	"time"
)

// AttributionTTL is how long a referral deep link stays attached to a user who
// has not bought anything yet.
const AttributionTTL = 90 * 24 * time.Hour

type attribution struct {
	ReferrerID int64     `json:"referrer_id"`
	At         time.Time `json:"at"`
}

// AttributionStore keeps referrers captured from deep links until the referred
// user's account is created, so a restart in between does not lose them.
type AttributionStore struct {
	file *jsonFile
	now  func() time.Time
}

func NewAttributionStore(path string) *AttributionStore {
	return &AttributionStore{file: newJSONFile(path), now: time.Now}
}

// Put remembers referrerID for telegramID, replacing an earlier one. Expired
// entries are pruned on the way.
func (s *AttributionStore) Put(ctx context.Context, telegramID, referrerID int64) error {
	if telegramID <= 0 || referrerID <= 0 {
		return errors.New("attribution: invalid telegram id")
	}
	return s.file.locked(ctx, func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for id, e := range entries {
			if now.Sub(e.At) > AttributionTTL {
				delete(entries, id)
			}
		}
		entries[telegramID] = attribution{ReferrerID: referrerID, At: now}
		return s.file.write(entries)
	})
}

// Get returns the remembered referrer, 0 when there is none or it expired.
func (s *AttributionStore) Get(ctx context.Context, telegramID int64) (int64, error) {
	var referrerID int64
	err := s.file.locked(ctx, func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		if e, ok := entries[telegramID]; ok && s.now().UTC().Sub(e.At) <= AttributionTTL {
			referrerID = e.ReferrerID
		}
		return nil
	})
	return referrerID, err
}

func (s *AttributionStore) Delete(ctx context.Context, telegramID int64) error {
	return s.file.locked(ctx, func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		if _, ok := entries[telegramID]; !ok {
			return nil
		}
		delete(entries, telegramID)
		return s.file.write(entries)
	})
}

func (s *AttributionStore) load() (map[int64]attribution, error) {
	entries := map[int64]attribution{}
	if err := s.file.read(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
