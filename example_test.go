package firesync_test

import (
	"context"
	"fmt"
	"slices"
	"time"

	firesync "github.com/firesync/firesync.go"
	"github.com/firesync/firesync.go/internal/fakefirestore"
	"github.com/firesync/firesync.go/pkg/models"
	"github.com/firesync/firesync.go/pkg/subscription"
)

func ExampleNewCollection() {
	srv := fakefirestore.NewServer("example")
	if err := srv.Start(); err != nil {
		panic(err)
	}
	defer srv.Stop()

	for id, title := range map[string]string{"go": "The Go Programming Language", "sre": "Site Reliability Engineering"} {
		if err := srv.Set("books", id, map[string]any{"title": title}); err != nil {
			panic(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := srv.NewClient(ctx)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	repo, err := firesync.FromClient(client, srv.ProjectID())
	if err != nil {
		panic(err)
	}
	defer repo.Close(context.Background())

	titles := models.Map(models.Fields, func(_ string, fields map[string]any) (string, bool) {
		title, ok := fields["title"].(string)
		return title, ok
	})
	books, err := firesync.NewCollection(repo, repo.Target("books"), titles)
	if err != nil {
		panic(err)
	}

	if _, err := books.On(subscription.EventDocumentAdded, func(ev subscription.Event[string]) {}); err != nil {
		panic(err)
	}
	if err := books.Synchronize(ctx); err != nil {
		panic(err)
	}

	data := books.Data()
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Printf("%s: %s\n", id, data[id])
	}

	// Output:
	// go: The Go Programming Language
	// sre: Site Reliability Engineering
}
