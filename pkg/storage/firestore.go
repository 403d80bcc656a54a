package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gridhelm/gridhelm/pkg/log"
	"github.com/gridhelm/gridhelm/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists settings, session tokens, timed activations, and the
// action log to per-site collections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

// getJSONDoc reads the "json" field of one document into dest. It returns
// ErrNotFound (wrapped) when the document does not exist.
func (f *FirestoreProvider) getJSONDoc(ctx context.Context, siteID, coll, doc string, dest interface{}) (*firestore.DocumentSnapshot, error) {
	c, err := f.getCollection(siteID, coll)
	if err != nil {
		return nil, err
	}
	snap, err := c.Doc(doc).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%s/%s for %s: %w", coll, doc, siteID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch %s/%s doc: %w", coll, doc, err)
	}

	val, err := snap.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("siteID", siteID), slog.String("doc", coll+"/"+doc))
		return nil, fmt.Errorf("%s/%s document missing 'json' field: %w", coll, doc, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("siteID", siteID), slog.String("doc", coll+"/"+doc))
		return nil, fmt.Errorf("%s/%s 'json' field is not a string", coll, doc)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("siteID", siteID), slog.String("doc", coll+"/"+doc), slog.Any("err", err))
		return nil, fmt.Errorf("failed to unmarshal %s/%s json: %w", coll, doc, err)
	}
	return snap, nil
}

func (f *FirestoreProvider) setJSONDoc(ctx context.Context, siteID, coll, doc string, v interface{}, extra map[string]interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", coll, doc, err)
	}
	c, err := f.getCollection(siteID, coll)
	if err != nil {
		return err
	}
	data := map[string]interface{}{"json": string(jsonBytes)}
	for k, val := range extra {
		data[k] = val
	}
	if _, err := c.Doc(doc).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", coll, doc, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	var s types.Settings
	snap, err := f.getJSONDoc(ctx, siteID, "config", "settings", &s)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, err
	}

	// Read version if available (default 0)
	var version int
	if v, err := snap.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	return f.setJSONDoc(ctx, siteID, "config", "settings", settings, map[string]interface{}{
		"version": version,
	})
}

// GetTokenCache retrieves the cached session tokens from the "session/tokens" document.
func (f *FirestoreProvider) GetTokenCache(ctx context.Context, siteID string) (types.TokenCache, error) {
	var c types.TokenCache
	if _, err := f.getJSONDoc(ctx, siteID, "session", "tokens", &c); err != nil {
		return types.TokenCache{}, err
	}
	return c, nil
}

// SetTokenCache saves the session tokens to the "session/tokens" document.
func (f *FirestoreProvider) SetTokenCache(ctx context.Context, siteID string, cache types.TokenCache) error {
	return f.setJSONDoc(ctx, siteID, "session", "tokens", cache, nil)
}

// GetTimedActivations retrieves the persisted timed activations from the
// "timed/activations" document.
func (f *FirestoreProvider) GetTimedActivations(ctx context.Context, siteID string) (map[string]types.TimedActivation, error) {
	var m map[string]types.TimedActivation
	if _, err := f.getJSONDoc(ctx, siteID, "timed", "activations", &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// SetTimedActivations replaces the persisted timed activations.
func (f *FirestoreProvider) SetTimedActivations(ctx context.Context, siteID string, activations map[string]types.TimedActivation) error {
	return f.setJSONDoc(ctx, siteID, "timed", "activations", activations, nil)
}

// ClearTimedActivations deletes the "timed/activations" document.
func (f *FirestoreProvider) ClearTimedActivations(ctx context.Context, siteID string) error {
	c, err := f.getCollection(siteID, "timed")
	if err != nil {
		return err
	}
	if _, err := c.Doc("activations").Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear timed activations: %w", err)
	}
	return nil
}

// ListSites returns the IDs of every site document. DocumentRefs includes
// missing parent documents, which is what the per-site subcollection layout
// produces.
func (f *FirestoreProvider) ListSites(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("sites").DocumentRefs(ctx)
	var sites []string
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error listing sites: %w", err)
		}
		sites = append(sites, ref.ID)
	}
	return sites, nil
}

// InsertAction adds a new action record to the "action_history" collection as a JSON blob.
// The document ID is the RFC3339 timestamp for efficient range queries.
func (f *FirestoreProvider) InsertAction(ctx context.Context, siteID string, action types.Action) error {
	jsonBytes, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	coll, err := f.getCollection(siteID, "action_history")
	if err != nil {
		return err
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := action.Timestamp.UTC().Format(time.RFC3339Nano)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": action.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetActionHistory retrieves action records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetActionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Action, error) {
	startDocID := start.UTC().Format(time.RFC3339Nano)
	endDocID := end.UTC().Format(time.RFC3339Nano)

	coll, err := f.getCollection(siteID, "action_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var actions []types.Action
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating actions: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "action doc missing json", slog.String("actionID", doc.Ref.ID), slog.String("siteID", siteID), slog.Any("err", err))
			return nil, fmt.Errorf("action document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "action doc json not string", slog.String("actionID", doc.Ref.ID), slog.String("siteID", siteID))
			return nil, fmt.Errorf("action document %s 'json' field is not string", doc.Ref.ID)
		}

		var a types.Action
		if err := json.Unmarshal([]byte(jsonStr), &a); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal action", slog.String("actionID", doc.Ref.ID), slog.String("siteID", siteID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal action (id=%s): %w", doc.Ref.ID, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
