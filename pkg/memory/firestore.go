package memory

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/drover-dev/drover/agent"
)

// FirestoreStore persists conversation history in Google Cloud Firestore,
// one document per session. Appends run inside a transaction so concurrent
// engine instances do not lose messages.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// FirestoreConfig contains configuration for the Firestore store.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// FirestoreOption configures a FirestoreStore.
type FirestoreOption func(*FirestoreConfig)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.ProjectID = projectID
	}
}

// WithCredentialsFile sets the path to service account credentials.
// Without it, Application Default Credentials are used.
func WithCredentialsFile(path string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.CredentialsFile = path
	}
}

// WithCollection sets the Firestore collection name (default "conversations").
func WithCollection(name string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.Collection = name
	}
}

// NewFirestoreStore creates a Firestore-backed conversation store.
func NewFirestoreStore(ctx context.Context, opts ...FirestoreOption) (*FirestoreStore, error) {
	config := &FirestoreConfig{Collection: "conversations"}
	for _, opt := range opts {
		opt(config)
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreStore{client: client, collection: config.Collection}, nil
}

// firestoreSession is the stored form of one session's history. Messages
// live inside the session document; histories are read whole anyway and a
// document comfortably holds typical conversations.
type firestoreSession struct {
	SessionID string             `firestore:"session_id"`
	Messages  []firestoreMessage `firestore:"messages"`
	UpdatedAt time.Time          `firestore:"updated_at"`
}

type firestoreMessage struct {
	Role       string              `firestore:"role"`
	Content    string              `firestore:"content,omitempty"`
	ToolCalls  []firestoreToolCall `firestore:"tool_calls,omitempty"`
	ToolCallID string              `firestore:"tool_call_id,omitempty"`
	Timestamp  time.Time           `firestore:"timestamp"`
}

type firestoreToolCall struct {
	ID        string         `firestore:"id"`
	Name      string         `firestore:"name"`
	Arguments map[string]any `firestore:"arguments,omitempty"`
}

func (s *FirestoreStore) sessionDoc(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sessionID)
}

// GetMessages returns the stored history for a session, oldest first.
func (s *FirestoreStore) GetMessages(ctx context.Context, sessionID string) ([]agent.Message, error) {
	snap, err := s.sessionDoc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return []agent.Message{}, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	var doc firestoreSession
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}

	msgs := make([]agent.Message, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		msgs = append(msgs, messageFromFirestore(m))
	}
	return msgs, nil
}

// AddMessage appends one message to a session's history transactionally.
func (s *FirestoreStore) AddMessage(ctx context.Context, sessionID string, msg agent.Message) error {
	ref := s.sessionDoc(sessionID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc firestoreSession

		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("unmarshal session: %w", err)
			}
		case status.Code(err) == codes.NotFound:
			doc = firestoreSession{SessionID: sessionID}
		default:
			return err
		}

		doc.Messages = append(doc.Messages, messageToFirestore(msg))
		doc.UpdatedAt = time.Now().UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		return fmt.Errorf("append message to session %s: %w", sessionID, err)
	}
	return nil
}

// Clear removes a session's history. Clearing an unknown session is a no-op.
func (s *FirestoreStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.sessionDoc(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the connection to Firestore.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func messageToFirestore(msg agent.Message) firestoreMessage {
	out := firestoreMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		Timestamp:  msg.Timestamp,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, firestoreToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return out
}

func messageFromFirestore(m firestoreMessage) agent.Message {
	out := agent.Message{
		Role:       agent.Role(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		Timestamp:  m.Timestamp,
	}
	for _, call := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return out
}
