package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-live/pkg/rooms"
)

// ErrRoomNotFound indicates an unknown room id.
var ErrRoomNotFound = errors.New("relay: room not found")

// Store persists room metadata.
type Store interface {
	Save(ctx context.Context, room rooms.Room) error
	Load(ctx context.Context) ([]rooms.Room, error)
}

// Rooms is the relay's room directory. Rooms live in memory and are
// written through to an optional Store.
type Rooms struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	rooms map[string]rooms.Room
}

// NewRooms creates a directory. store may be nil.
func NewRooms(store Store, logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		store:  store,
		logger: logger.With("component", "rooms"),
		now:    func() time.Time { return time.Now().UTC() },
		rooms:  make(map[string]rooms.Room),
	}
}

// Restore loads persisted rooms.
func (r *Rooms) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, room := range loaded {
		r.rooms[room.ID] = room
	}
	r.mu.Unlock()
	r.logger.Info("rooms restored", "count", len(loaded))
	return nil
}

// Create opens a room with a fresh id. A blank name becomes "Room-<id>".
func (r *Rooms) Create(ctx context.Context, name string) (rooms.Room, error) {
	id := uuid.NewString()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Room-" + id[:8]
	}
	room := rooms.Room{ID: id, Name: name, Status: rooms.StatusOpen, CreatedAt: r.now()}
	if err := r.save(ctx, room); err != nil {
		return rooms.Room{}, err
	}
	r.mu.Lock()
	r.rooms[id] = room
	r.mu.Unlock()
	r.logger.Info("room created", "room", id, "name", name)
	return room, nil
}

// Get returns the room with id.
func (r *Rooms) Get(id string) (rooms.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// List returns open rooms, newest first.
func (r *Rooms) List() []rooms.Room {
	r.mu.RLock()
	out := make([]rooms.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.Open() {
			out = append(out, room)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Close marks a room closed. Closing a closed room is a no-op.
func (r *Rooms) Close(ctx context.Context, id string) (rooms.Room, error) {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return rooms.Room{}, ErrRoomNotFound
	}
	if !room.Open() {
		r.mu.Unlock()
		return room, nil
	}
	now := r.now()
	room.Status = rooms.StatusClosed
	room.ClosedAt = &now
	r.rooms[id] = room
	r.mu.Unlock()

	r.logger.Info("room closed", "room", id)
	return room, r.save(ctx, room)
}

// Ensure returns the room with id, creating it open when unknown.
func (r *Rooms) Ensure(ctx context.Context, id string) rooms.Room {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		room = rooms.Room{ID: id, Name: "Session-" + short, Status: rooms.StatusOpen, CreatedAt: r.now()}
		r.rooms[id] = room
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Info("room auto-created", "room", id)
		if err := r.save(ctx, room); err != nil {
			r.logger.Warn("room not persisted", "room", id, "error", err)
		}
	}
	return room
}

func (r *Rooms) save(ctx context.Context, room rooms.Room) error {
	if r.store == nil {
		return nil
	}
	return r.store.Save(ctx, room)
}
