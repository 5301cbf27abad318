// Package repotest provides an in-memory repo.Store for service and handler tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/keyserver/internal/errs"
	"github.com/signalix/keyserver/internal/model"
	"github.com/signalix/keyserver/internal/repo"
)

type state struct {
	users    map[uuid.UUID]model.User
	codes    map[string]model.VerificationCode
	devices  map[uuid.UUID]model.Device
	prekeys  []model.OneTimePrekey
	messages []model.Message
	nextPK   int64
}

func (s *state) clone() *state {
	c := &state{
		users:    make(map[uuid.UUID]model.User, len(s.users)),
		codes:    make(map[string]model.VerificationCode, len(s.codes)),
		devices:  make(map[uuid.UUID]model.Device, len(s.devices)),
		prekeys:  append([]model.OneTimePrekey(nil), s.prekeys...),
		messages: append([]model.Message(nil), s.messages...),
		nextPK:   s.nextPK,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	return c
}

// MemStore is a repo.Store kept in memory. Transactions are serialized by a single mutex
// and roll back by restoring a snapshot.
type MemStore struct {
	mu   *sync.Mutex
	st   *state
	inTx bool

	// Now is used for created_at values. Defaults to time.Now.
	Now func() time.Time
	// FailWith, when set, is returned by every repository call.
	FailWith error
	// FailPrekeys, when set, is returned by DeviceRepo.InsertPrekeys only.
	FailPrekeys error
}

var _ repo.Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		mu: &sync.Mutex{},
		st: &state{
			users:   map[uuid.UUID]model.User{},
			codes:   map[string]model.VerificationCode{},
			devices: map[uuid.UUID]model.Device{},
			nextPK:  1,
		},
		Now: time.Now,
	}
}

func (m *MemStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemStore) Users() repo.UserRepo { return memUsers{m} }
func (m *MemStore) Codes() repo.VerificationRepo { return memCodes{m} }
func (m *MemStore) Devices() repo.DeviceRepo { return memDevices{m} }
func (m *MemStore) Messages() repo.MessageRepo { return memMessages{m} }

// WithTx runs fn with exclusive access and restores the previous state if fn fails
func (m *MemStore) WithTx(ctx context.Context, fn func(tx repo.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	tx := &MemStore{mu: m.mu, st: m.st, inTx: true, Now: m.Now, FailWith: m.FailWith, FailPrekeys: m.FailPrekeys}
	if err := fn(tx); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

// Fail makes every later repository call return err. Nil restores normal operation.
func (m *MemStore) Fail(err error) {
	defer m.lock()()
	m.FailWith = err
}

// Code returns the stored verification record for phone
func (m *MemStore) Code(phone string) (model.VerificationCode, bool) {
	defer m.lock()()
	rec, ok := m.st.codes[phone]
	return rec, ok
}

// SetCode overwrites the verification record for its phone
func (m *MemStore) SetCode(rec model.VerificationCode) {
	defer m.lock()()
	m.st.codes[rec.PhoneNumber] = rec
}

// UserCount returns the number of stored users
func (m *MemStore) UserCount() int {
	defer m.lock()()
	return len(m.st.users)
}

// DeviceCount returns the number of stored devices
func (m *MemStore) DeviceCount() int {
	defer m.lock()()
	return len(m.st.devices)
}

// Prekeys returns a copy of the stored prekeys of a device
func (m *MemStore) Prekeys(deviceID uuid.UUID) []model.OneTimePrekey {
	defer m.lock()()
	var out []model.OneTimePrekey
	for _, pk := range m.st.prekeys {
		if pk.DeviceID == deviceID {
			out = append(out, pk)
		}
	}
	return out
}

// PutDevice stores a device directly, bypassing conflict checks
func (m *MemStore) PutDevice(d model.Device) {
	defer m.lock()()
	m.st.devices[d.ID] = d
}

// AddMessage stores a message and assigns its id
func (m *MemStore) AddMessage(msg model.Message) model.Message {
	defer m.lock()()
	msg.ID = int64(len(m.st.messages) + 1)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.Now()
	}
	m.st.messages = append(m.st.messages, msg)
	return msg
}

type memUsers struct{ m *MemStore }

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.User{}, r.m.FailWith
	}
	u, ok := r.m.st.users[id]
	if !ok {
		return model.User{}, errs.ErrNotFound
	}
	return u, nil
}

func (r memUsers) GetByPhone(_ context.Context, phone string) (model.User, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.User{}, r.m.FailWith
	}
	return r.byPhone(phone)
}

func (r memUsers) byPhone(phone string) (model.User, error) {
	for _, u := range r.m.st.users {
		if u.PhoneNumber == phone {
			return u, nil
		}
	}
	return model.User{}, errs.ErrNotFound
}

func (r memUsers) GetOrCreateByPhone(_ context.Context, phone, name string) (model.User, bool, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.User{}, false, r.m.FailWith
	}
	if u, err := r.byPhone(phone); err == nil {
		return u, false, nil
	}
	u := model.User{ID: uuid.New(), Name: name, PhoneNumber: phone, CreatedAt: r.m.Now()}
	r.m.st.users[u.ID] = u
	return u, true, nil
}

type memCodes struct{ m *MemStore }

func (r memCodes) Upsert(_ context.Context, rec model.VerificationCode, reissueAfter time.Time) (bool, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return false, r.m.FailWith
	}
	if cur, ok := r.m.st.codes[rec.PhoneNumber]; ok {
		if cur.IssuedAt.After(reissueAfter) && cur.ExpiresAt.After(rec.IssuedAt) {
			return false, nil
		}
	}
	rec.AttemptCount = 0
	r.m.st.codes[rec.PhoneNumber] = rec
	return true, nil
}

func (r memCodes) Get(_ context.Context, phone string) (model.VerificationCode, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.VerificationCode{}, r.m.FailWith
	}
	rec, ok := r.m.st.codes[phone]
	if !ok {
		return model.VerificationCode{}, errs.ErrNotFound
	}
	return rec, nil
}

func (r memCodes) GetForUpdate(ctx context.Context, phone string) (model.VerificationCode, error) {
	return r.Get(ctx, phone)
}

func (r memCodes) IncrementAttempt(_ context.Context, phone string) (int, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return 0, r.m.FailWith
	}
	rec, ok := r.m.st.codes[phone]
	if !ok {
		return 0, errs.ErrNotFound
	}
	rec.AttemptCount++
	r.m.st.codes[phone] = rec
	return rec.AttemptCount, nil
}

func (r memCodes) Delete(_ context.Context, phone string) error {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return r.m.FailWith
	}
	if _, ok := r.m.st.codes[phone]; !ok {
		return errs.ErrNotFound
	}
	delete(r.m.st.codes, phone)
	return nil
}

func (r memCodes) DeleteIssued(_ context.Context, phone, codeHash string) error {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return r.m.FailWith
	}
	if rec, ok := r.m.st.codes[phone]; !ok || rec.CodeHash != codeHash {
		return errs.ErrNotFound
	}
	delete(r.m.st.codes, phone)
	return nil
}

type memDevices struct{ m *MemStore }

func (r memDevices) Insert(_ context.Context, d model.Device) (model.Device, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.Device{}, r.m.FailWith
	}
	if _, ok := r.m.st.devices[d.ID]; ok {
		return model.Device{}, errs.ErrAlreadyExists
	}
	d.CreatedAt = r.m.Now()
	d.IsRevoked = false
	r.m.st.devices[d.ID] = d
	return d, nil
}

func (r memDevices) InsertPrekeys(_ context.Context, deviceID uuid.UUID, prekeys [][]byte) (int, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return 0, r.m.FailWith
	}
	if r.m.FailPrekeys != nil {
		return 0, r.m.FailPrekeys
	}
	for _, k := range prekeys {
		r.m.st.prekeys = append(r.m.st.prekeys, model.OneTimePrekey{
			ID:        r.m.st.nextPK,
			DeviceID:  deviceID,
			PrekeyPub: append([]byte(nil), k...),
			CreatedAt: r.m.Now(),
		})
		r.m.st.nextPK++
	}
	return len(prekeys), nil
}

func (r memDevices) GetByID(_ context.Context, id uuid.UUID) (model.Device, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.Device{}, r.m.FailWith
	}
	d, ok := r.m.st.devices[id]
	if !ok {
		return model.Device{}, errs.ErrNotFound
	}
	return d, nil
}

func (r memDevices) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return nil, r.m.FailWith
	}
	out := make([]model.Device, 0)
	for _, d := range r.m.st.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memDevices) ConsumeOneTimePrekey(_ context.Context, deviceID uuid.UUID) (model.OneTimePrekey, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return model.OneTimePrekey{}, r.m.FailWith
	}
	for i, pk := range r.m.st.prekeys {
		if pk.DeviceID == deviceID && !pk.IsConsumed {
			r.m.st.prekeys[i].IsConsumed = true
			return r.m.st.prekeys[i], nil
		}
	}
	return model.OneTimePrekey{}, errs.ErrNotFound
}

func (r memDevices) CountAvailablePrekeys(_ context.Context, deviceID uuid.UUID) (int, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return 0, r.m.FailWith
	}
	n := 0
	for _, pk := range r.m.st.prekeys {
		if pk.DeviceID == deviceID && !pk.IsConsumed {
			n++
		}
	}
	return n, nil
}

type memMessages struct{ m *MemStore }

func (r memMessages) ListForDevice(_ context.Context, userID, deviceID uuid.UUID, before int64, limit int) ([]model.Message, error) {
	defer r.m.lock()()
	if r.m.FailWith != nil {
		return nil, r.m.FailWith
	}
	out := make([]model.Message, 0, limit)
	for i := len(r.m.st.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := r.m.st.messages[i]
		if msg.RecipientUserID == nil || *msg.RecipientUserID != userID {
			continue
		}
		if msg.RecipientDeviceID != nil && *msg.RecipientDeviceID != deviceID {
			continue
		}
		if before > 0 && msg.ID >= before {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
