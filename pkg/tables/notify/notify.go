package notify

//go:generate go run github.com/golang/mock/mockgen@v1.6.0 -source=notify.go -destination=mock/notify.go -package=mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/treeverse/tables/pkg/logging"
)

type ObjectType string

const (
	ObjectTypeTable ObjectType = "TABLE"
	ObjectTypeView  ObjectType = "VIEW"
)

type ChangeType string

const (
	ChangeTypeCreate ChangeType = "CREATE"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// Message tells consumers that an object changed to the state named by Etag
type Message struct {
	ObjectID   int64      `json:"object_id"`
	ObjectType ObjectType `json:"object_type"`
	Etag       string     `json:"etag"`
	ChangeType ChangeType `json:"change_type"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s %d@%s", m.ChangeType, m.ObjectType, m.ObjectID, m.Etag)
}

// Publisher sends change messages once the change committed. Delivery is at least once, so
// consumers must tolerate duplicates.
type Publisher interface {
	PublishAfterCommit(ctx context.Context, msg Message) error
}

// LogPublisher writes messages to the log
type LogPublisher struct{}

func (LogPublisher) PublishAfterCommit(ctx context.Context, msg Message) error {
	logging.FromContext(ctx).
		WithFields(logging.Fields{
			"object_id":   msg.ObjectID,
			"object_type": msg.ObjectType,
			"etag":        msg.Etag,
			"change_type": msg.ChangeType,
		}).
		Info("Object changed")
	return nil
}

// MemoryPublisher keeps messages in memory
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishAfterCommit(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns a copy of the messages published so far
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]Message, len(p.messages))
	copy(res, p.messages)
	return res
}

// MultiPublisher publishes every message to all its publishers, even when some fail
type MultiPublisher []Publisher

func (m MultiPublisher) PublishAfterCommit(ctx context.Context, msg Message) error {
	var merr *multierror.Error
	for _, p := range m {
		if err := p.PublishAfterCommit(ctx, msg); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
