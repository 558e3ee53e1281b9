package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore backs the document store with one flat collection; each tracked
// path becomes a document whose id is the path with slashes folded. Create
// on an existing document fails with AlreadyExists, which is the atomic
// create-if-absent primitive.
type Firestore struct {
	client     *firestore.Client
	collection string
}

type firestoreDoc struct {
	Path string `firestore:"path"`
	Data string `firestore:"data"`
}

// NewFirestore connects to Firestore. credentialsFile may be empty, in which
// case application-default credentials are used.
func NewFirestore(ctx context.Context, projectID, credentialsFile string) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Firestore{client: client, collection: "documents"}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error { return f.client.Close() }

func docID(path string) string {
	return strings.ReplaceAll(path, "/", "|")
}

func (f *Firestore) ReadAt(ctx context.Context, path string, out any) (bool, error) {
	snap, err := f.client.Collection(f.collection).Doc(docID(path)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(doc.Data), out)
}

func (f *Firestore) WriteIfAbsent(ctx context.Context, path string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	_, err = f.client.Collection(f.collection).Doc(docID(path)).Create(ctx, firestoreDoc{
		Path: path,
		Data: string(data),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (f *Firestore) Write(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.client.Collection(f.collection).Doc(docID(path)).Set(ctx, firestoreDoc{
		Path: path,
		Data: string(data),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, path string) error {
	if _, err := f.client.Collection(f.collection).Doc(docID(path)).Delete(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *Firestore) List(ctx context.Context, prefix string) ([]string, error) {
	iter := f.client.Collection(f.collection).
		Where("path", ">=", prefix).
		Where("path", "<", prefix+"\uf8ff").
		Documents(ctx)
	defer iter.Stop()

	var paths []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var doc firestoreDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, err
		}
		paths = append(paths, doc.Path)
	}
	return paths, nil
}

func (f *Firestore) Subscribe(ctx context.Context, path string, fn func(data []byte)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	snaps := f.client.Collection(f.collection).Doc(docID(path)).Snapshots(subCtx)
	go func() {
		defer snaps.Stop()
		for {
			snap, err := snaps.Next()
			if err != nil {
				return
			}
			if !snap.Exists() {
				continue
			}
			var doc firestoreDoc
			if err := snap.DataTo(&doc); err != nil {
				continue
			}
			fn([]byte(doc.Data))
		}
	}()
	return cancel, nil
}
