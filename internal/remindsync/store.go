package remindsync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type StoreOptions struct {
	Cache         CacheBackend
	CacheDSN      string
	RemoteFactory RemoteFactory
	Logger        *zap.Logger
	MaxEvents     int
}

// Store owns the appointment record set and the settings object. Mutations
// are applied in memory under the write lock, saved to the local cache
// unconditionally, then mirrored to the remote store best-effort when
// remote sync is enabled. The remote leg never fails a mutation; its
// outcome travels in the returned SyncOutcome.
type Store struct {
	mu    sync.RWMutex
	cache CacheBackend

	remoteFactory RemoteFactory
	remote        RemoteStore

	appointments []Appointment
	settings     Settings

	remoteVersion   string
	lastRemoteError string

	events       []Event
	maxEvents    int
	eventCounter uint64
	subscribers  map[int]chan Event
	nextSubID    int

	log *zap.Logger
}

func NewStore() *Store {
	s, _ := NewStoreWithOptions(StoreOptions{})
	return s
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	cache := opts.Cache
	if cache == nil && strings.TrimSpace(opts.CacheDSN) != "" {
		built, err := BuildCacheBackendFromDSN(opts.CacheDSN)
		if err != nil {
			return nil, err
		}
		cache = built
	}
	if cache == nil {
		cache = NewInMemoryCacheBackend()
	}
	remoteFactory := opts.RemoteFactory
	if remoteFactory == nil {
		remoteFactory = NewRemoteFromSettings
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 200
	}

	s := &Store{
		cache:         cache,
		remoteFactory: remoteFactory,
		settings:      defaultSettings(),
		maxEvents:     maxEvents,
		subscribers:   map[int]chan Event{},
		log:           logger,
	}
	s.loadFromCache()
	if s.settings.UseRemote {
		remote, err := remoteFactory(s.settings)
		if err != nil {
			// Stale configuration must not block startup; the service runs
			// local-only until settings are corrected.
			s.log.Warn("remote store unavailable at startup, continuing local-only", zap.Error(err))
		} else {
			s.remote = remote
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	if closer, ok := s.cache.(cacheBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// loadFromCache hydrates in-memory state from the local cache. Malformed or
// missing content falls back to defaults; the local store never fails a read.
func (s *Store) loadFromCache() {
	if data, err := s.cache.Load(collectionAppointments); err != nil {
		s.log.Warn("cache read failed, starting empty", zap.String("collection", collectionAppointments), zap.Error(err))
	} else if len(data) > 0 {
		var appointments []Appointment
		if err := json.Unmarshal(data, &appointments); err != nil {
			s.log.Warn("cached appointments malformed, starting empty", zap.Error(err))
		} else {
			s.appointments = appointments
		}
	}
	if data, err := s.cache.Load(collectionSettings); err != nil {
		s.log.Warn("cache read failed, using default settings", zap.String("collection", collectionSettings), zap.Error(err))
	} else if len(data) > 0 {
		var settings Settings
		if err := json.Unmarshal(data, &settings); err != nil {
			s.log.Warn("cached settings malformed, using defaults", zap.Error(err))
		} else {
			s.settings = settings
		}
	}
}

// Reload re-reads the local cache, picking up edits made by another process.
// The remote version token survives a reload; it tracks the remote file,
// not the local copy.
func (s *Store) Reload() {
	before := s.snapshotForCompare()
	s.mu.Lock()
	s.appointments = nil
	s.settings = defaultSettings()
	s.loadFromCache()
	changed := !reflect.DeepEqual(before, s.snapshotForCompareLocked())
	if changed {
		s.publishLocked(EventCacheReloaded, 0)
	}
	s.mu.Unlock()
	if changed {
		s.log.Info("state reloaded from cache")
	}
}

type compareSnapshot struct {
	Appointments []Appointment
	Settings     Settings
}

func (s *Store) snapshotForCompare() compareSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotForCompareLocked()
}

func (s *Store) snapshotForCompareLocked() compareSnapshot {
	return compareSnapshot{
		Appointments: append([]Appointment(nil), s.appointments...),
		Settings:     s.settings,
	}
}

// ListAppointments refreshes from the remote store when enabled (falling
// back silently to the cached copy) and returns the records ordered by
// date then time, plain string comparison.
func (s *Store) ListAppointments(ctx context.Context) []Appointment {
	s.refreshFromRemote(ctx)

	s.mu.RLock()
	out := append([]Appointment(nil), s.appointments...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AppointmentDate != out[j].AppointmentDate {
			return out[i].AppointmentDate < out[j].AppointmentDate
		}
		return out[i].AppointmentTime < out[j].AppointmentTime
	})
	return out
}

func (s *Store) GetAppointment(id int64) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, appointment := range s.appointments {
		if appointment.ID == id {
			return appointment, nil
		}
	}
	return Appointment{}, ErrNotFound
}

type CreateAppointmentRequest struct {
	ClientName      string `json:"client_name"`
	PhoneNumber     string `json:"phone_number"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
}

func (s *Store) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (Appointment, SyncOutcome, error) {
	if strings.TrimSpace(req.ClientName) == "" {
		return Appointment{}, SyncOutcome{}, fmt.Errorf("%w: client_name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return Appointment{}, SyncOutcome{}, fmt.Errorf("%w: phone_number is required", ErrInvalidInput)
	}

	s.mu.Lock()
	appointment := Appointment{
		ID:              s.nextIDLocked(),
		ClientName:      req.ClientName,
		PhoneNumber:     req.PhoneNumber,
		AppointmentDate: req.AppointmentDate,
		AppointmentTime: req.AppointmentTime,
		Status:          StatusPending,
	}
	s.appointments = append(s.appointments, appointment)
	data, localErr := s.saveAppointmentsLocked()
	s.publishLocked(EventAppointmentCreated, appointment.ID)
	s.mu.Unlock()

	outcome := s.finishPersist(ctx, data, fmt.Sprintf("create appointment %d for %s", appointment.ID, appointment.ClientName), localErr)
	return appointment, outcome, nil
}

func (s *Store) DeleteAppointment(ctx context.Context, id int64) (SyncOutcome, error) {
	s.mu.Lock()
	index := -1
	for i, appointment := range s.appointments {
		if appointment.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return SyncOutcome{}, ErrNotFound
	}
	s.appointments = append(s.appointments[:index], s.appointments[index+1:]...)
	data, localErr := s.saveAppointmentsLocked()
	s.publishLocked(EventAppointmentDeleted, id)
	s.mu.Unlock()

	outcome := s.finishPersist(ctx, data, fmt.Sprintf("delete appointment %d", id), localErr)
	return outcome, nil
}

// MarkSent advances pending -> sent. Calling it on an already-sent record is
// a no-op; the transition is one-way and only the dispatcher invokes it.
func (s *Store) MarkSent(ctx context.Context, id int64) (Appointment, SyncOutcome, error) {
	s.mu.Lock()
	index := -1
	for i, appointment := range s.appointments {
		if appointment.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return Appointment{}, SyncOutcome{}, ErrNotFound
	}
	if s.appointments[index].Status == StatusSent {
		appointment := s.appointments[index]
		outcome := SyncOutcome{LocalSaved: true, RemoteState: s.remoteStateLocked()}
		s.mu.Unlock()
		return appointment, outcome, nil
	}
	s.appointments[index].Status = StatusSent
	appointment := s.appointments[index]
	data, localErr := s.saveAppointmentsLocked()
	s.publishLocked(EventAppointmentSent, id)
	s.mu.Unlock()

	outcome := s.finishPersist(ctx, data, fmt.Sprintf("mark appointment %d sent", id), localErr)
	return appointment, outcome, nil
}

func (s *Store) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings validates and applies configuration. Enabling remote sync
// requires the full remote coordinate set; the settings collection itself is
// only ever persisted locally, since it carries the remote credential.
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) (Settings, SyncOutcome, error) {
	var remote RemoteStore
	if settings.UseRemote {
		for field, value := range map[string]string{
			"remote_credential": settings.RemoteCredential,
			"remote_repo":       settings.RemoteRepo,
			"remote_path":       settings.RemotePath,
			"remote_branch":     settings.RemoteBranch,
		} {
			if strings.TrimSpace(value) == "" {
				return Settings{}, SyncOutcome{}, fmt.Errorf("%w: %s is required when use_remote is true", ErrMisconfigured, field)
			}
		}
		built, err := s.remoteFactory(settings)
		if err != nil {
			return Settings{}, SyncOutcome{}, err
		}
		remote = built
	}

	s.mu.Lock()
	targetChanged := settings.RemoteRepo != s.settings.RemoteRepo ||
		settings.RemotePath != s.settings.RemotePath ||
		settings.RemoteBranch != s.settings.RemoteBranch
	s.settings = settings
	s.remote = remote
	if targetChanged {
		s.remoteVersion = ""
		s.lastRemoteError = ""
	}
	data, err := json.Marshal(s.settings)
	var localErr error
	if err == nil {
		localErr = s.cache.Save(collectionSettings, data)
	} else {
		localErr = err
	}
	s.publishLocked(EventSettingsUpdated, 0)
	s.mu.Unlock()

	outcome := SyncOutcome{LocalSaved: localErr == nil, RemoteState: remoteStateDisabled}
	if localErr != nil {
		s.log.Warn("settings cache save failed", zap.Error(localErr))
	}
	return settings, outcome, nil
}

func (s *Store) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled := s.remoteEnabledLocked()
	return SyncStatus{
		Collections: []CollectionStatus{
			{
				Key:           collectionAppointments,
				RemoteEnabled: enabled,
				Version:       s.remoteVersion,
				LastError:     s.lastRemoteError,
			},
			{
				Key:           collectionSettings,
				RemoteEnabled: false,
			},
		},
	}
}

// Subscribe registers a live event listener. The returned cancel func must
// be called when the listener goes away; slow listeners drop events rather
// than block mutations.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			close(existing)
			delete(s.subscribers, id)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) RecentEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

func (s *Store) nextIDLocked() int64 {
	id := time.Now().UnixMilli()
	for _, appointment := range s.appointments {
		if appointment.ID >= id {
			id = appointment.ID + 1
		}
	}
	return id
}

func (s *Store) saveAppointmentsLocked() ([]byte, error) {
	data, err := json.Marshal(s.appointments)
	if err != nil {
		return nil, err
	}
	return data, s.cache.Save(collectionAppointments, data)
}

func (s *Store) publishLocked(eventType string, appointmentID int64) {
	s.eventCounter++
	event := Event{
		EventID:       fmt.Sprintf("ev_%d", s.eventCounter),
		Type:          eventType,
		AppointmentID: appointmentID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) remoteEnabledLocked() bool {
	return s.settings.UseRemote && s.remote != nil
}

func (s *Store) remoteStateLocked() string {
	if s.remoteEnabledLocked() {
		return remoteStateSynced
	}
	return remoteStateDisabled
}

// refreshFromRemote makes the remote copy the source of truth for reads when
// sync is enabled: fetch, adopt, write through to the local cache, and keep
// the version token for the next conditional write. Every failure path falls
// back to the cached copy without raising.
func (s *Store) refreshFromRemote(ctx context.Context) {
	s.mu.RLock()
	enabled := s.remoteEnabledLocked()
	remote := s.remote
	s.mu.RUnlock()
	if !enabled {
		return
	}

	file, err := remote.Get(ctx)
	if err != nil {
		s.recordRemoteError(err)
		s.log.Warn("remote read failed, serving cached appointments", zap.Error(err))
		return
	}
	if file == nil {
		// First run: nothing remote yet. An empty version makes the next
		// write create the file.
		s.mu.Lock()
		s.remoteVersion = ""
		s.lastRemoteError = ""
		s.mu.Unlock()
		return
	}
	var appointments []Appointment
	if err := json.Unmarshal(file.Content, &appointments); err != nil {
		s.recordRemoteError(err)
		s.log.Warn("remote content malformed, serving cached appointments", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.appointments = appointments
	s.remoteVersion = file.Version
	s.lastRemoteError = ""
	s.mu.Unlock()

	if err := s.cache.Save(collectionAppointments, file.Content); err != nil {
		s.log.Warn("write-through of remote content to cache failed", zap.Error(err))
	}
}

// finishPersist completes a mutation's persistence after the in-memory and
// cache legs are done: log local failures and run the single best-effort
// remote attempt.
func (s *Store) finishPersist(ctx context.Context, data []byte, message string, localErr error) SyncOutcome {
	outcome := SyncOutcome{LocalSaved: localErr == nil}
	if localErr != nil {
		s.log.Warn("local cache save failed", zap.Error(localErr))
	}

	s.mu.RLock()
	enabled := s.remoteEnabledLocked()
	remote := s.remote
	version := s.remoteVersion
	s.mu.RUnlock()

	if !enabled || data == nil {
		outcome.RemoteState = remoteStateDisabled
		return outcome
	}

	// Thread an explicit expected version: if no read captured one yet,
	// look the current one up so a stale blind write cannot slip through.
	if version == "" {
		if file, err := remote.Get(ctx); err == nil && file != nil {
			version = file.Version
		}
	}

	newVersion, err := remote.Put(ctx, data, message, version)
	if err != nil {
		s.recordRemoteError(err)
		outcome.RemoteState = remoteStateFailed
		outcome.RemoteError = err.Error()
		s.log.Warn("remote write failed, local copy is authoritative until next sync",
			zap.String("message", message), zap.Error(err))
		return outcome
	}

	s.mu.Lock()
	s.remoteVersion = newVersion
	s.lastRemoteError = ""
	s.mu.Unlock()
	outcome.RemoteState = remoteStateSynced
	return outcome
}

func (s *Store) recordRemoteError(err error) {
	s.mu.Lock()
	s.lastRemoteError = err.Error()
	s.mu.Unlock()
}
