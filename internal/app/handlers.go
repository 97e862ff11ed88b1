package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatty/internal/broker"
	"chatty/internal/gateway"
	"chatty/internal/pubsub"
	"chatty/internal/queue"
	"chatty/internal/storage"
	"chatty/internal/worker"

	"github.com/google/uuid"
)

// Built-in lanes and gateway events.
const (
	QueueUser      = "user"
	HandlerAddUser = "addUserToDB"

	EventMessageSend  = "message:send"
	EventMessageNew   = "message:new"
	EventUserRegister = "user:register"
)

// NewUser is the payload of a user/addUserToDB job.
type NewUser struct {
	UID          string `json:"uid,omitempty"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash,omitempty"`
	AvatarColor  string `json:"avatarColor,omitempty"`
}

func (u NewUser) validate() error {
	if strings.TrimSpace(u.Username) == "" || strings.TrimSpace(u.Email) == "" {
		return errors.New("username and email are required")
	}
	return nil
}

// ChatMessage is the payload of a message:new broadcast.
type ChatMessage struct {
	ID     string          `json:"id"`
	Room   string          `json:"room"`
	From   string          `json:"from,omitempty"`
	ConnID string          `json:"connId"`
	Body   json.RawMessage `json:"body"`
	SentAt time.Time       `json:"sentAt"`
}

func (a *App) registerHandlers() error {
	conc, opts := a.laneOptions(QueueUser, HandlerAddUser, 5)
	if err := a.pool.RegisterHandler(QueueUser, HandlerAddUser, conc, a.addUserToDB, opts...); err != nil {
		return err
	}
	a.gw.Handle(EventMessageSend, a.onMessageSend)
	a.gw.Handle(EventUserRegister, a.onUserRegister)
	return nil
}

// laneOptions applies the queue.handlers override for queue/handler.
func (a *App) laneOptions(queueName, handler string, concurrency int) (int, []worker.Option) {
	hs, ok := a.set.Queue.Handler(queueName, handler)
	if !ok {
		return concurrency, nil
	}
	if hs.Concurrency > 0 {
		concurrency = hs.Concurrency
	}
	return concurrency, []worker.Option{worker.WithPolicy(queue.Policy{
		MaxAttempts:    hs.MaxAttempts,
		BackoffBase:    hs.BackoffBase,
		BackoffMax:     hs.BackoffMax,
		HandlerTimeout: hs.HandlerTimeout,
	})}
}

func (a *App) addUserToDB(ctx context.Context, job *broker.Job) error {
	if a.store == nil {
		return queue.NoRetry(storage.ErrDisabled)
	}
	var u NewUser
	if err := json.Unmarshal(job.Payload, &u); err != nil {
		return queue.NoRetry(fmt.Errorf("decode user: %w", err))
	}
	if err := u.validate(); err != nil {
		return queue.NoRetry(err)
	}

	err := a.store.CreateAuthUser(ctx, storage.AuthUser{
		UID:          u.UID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		AvatarColor:  u.AvatarColor,
	})
	if errors.Is(err, storage.ErrUserExists) {
		// an earlier attempt may have written the row before its ack was lost
		prev, ferr := a.store.FindAuthUser(ctx, u.Username, u.Email)
		if ferr == nil && prev.Username == storage.NormalizeUsername(u.Username) &&
			prev.Email == storage.NormalizeEmail(u.Email) && prev.UID == u.UID {
			return nil
		}
		return queue.NoRetry(err)
	}
	return err
}

func (a *App) onMessageSend(ctx context.Context, c *gateway.Connection, payload []byte) error {
	var in struct {
		Room string          `json:"room"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if in.Room == "" {
		return errors.New("message needs a room")
	}
	if !c.InRoom(in.Room) {
		return fmt.Errorf("not subscribed to %q", in.Room)
	}
	out, err := json.Marshal(ChatMessage{
		ID:     uuid.NewString(),
		Room:   in.Room,
		From:   c.UserID(),
		ConnID: c.ID(),
		Body:   in.Body,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	err = a.Broadcast(ctx, in.Room, EventMessageNew, out)
	if errors.Is(err, pubsub.ErrDeliveryDropped) {
		// local members already have it; the adapter logged the drop
		return nil
	}
	return err
}

func (a *App) onUserRegister(ctx context.Context, _ *gateway.Connection, payload []byte) error {
	_, err := a.enqueueUser(ctx, payload)
	return err
}

func (a *App) enqueueUser(ctx context.Context, payload []byte) (string, error) {
	var u NewUser
	if err := json.Unmarshal(payload, &u); err != nil {
		return "", fmt.Errorf("decode user: %w", err)
	}
	if err := u.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return a.Enqueue(ctx, QueueUser, HandlerAddUser, b, queue.Options{})
}
