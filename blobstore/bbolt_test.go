package blobstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/cmdproxy/cmderr"
)

func newTestStore(t *testing.T) *BBoltStore {
	dir, err := ioutil.TempDir("", "blobstore-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := NewBBoltStore(filepath.Join(dir, "blobs.db"), 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBBoltStorePutGetExists(t *testing.T) {
	Convey("A freshly stored blob can be retrieved and reports as existing", t, func() {
		store := newTestStore(t)
		ctx := context.Background()

		exists, err := store.Exists(ctx, "@host1:/tmp/a")
		So(err, ShouldBeNil)
		So(exists, ShouldBeFalse)

		err = store.Put(ctx, "@host1:/tmp/a", bytes.NewReader([]byte("hello world")))
		So(err, ShouldBeNil)

		exists, err = store.Exists(ctx, "@host1:/tmp/a")
		So(err, ShouldBeNil)
		So(exists, ShouldBeTrue)

		rc, err := store.Get(ctx, "@host1:/tmp/a")
		So(err, ShouldBeNil)
		data, err := ioutil.ReadAll(rc)
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "hello world")
		So(rc.Close(), ShouldBeNil)
	})
}

func TestBBoltStoreGetMissingIsBlobMissing(t *testing.T) {
	Convey("Getting a name that was never put fails", t, func() {
		store := newTestStore(t)
		_, err := store.Get(context.Background(), "@host1:/no/such")
		So(err, ShouldNotBeNil)
		So(cmderr.Is(err, cmderr.BlobMissing), ShouldBeTrue)
	})
}

func TestBBoltStoreDeleteByNameIsIdempotent(t *testing.T) {
	Convey("DeleteByName on an absent name is a no-op (invariant 7)", t, func() {
		store := newTestStore(t)
		err := store.DeleteByName(context.Background(), "@host1:/never/existed")
		So(err, ShouldBeNil)
	})

	Convey("DeleteByName removes every entry stored under a name", t, func() {
		store := newTestStore(t)
		ctx := context.Background()
		name := "@host1:/tmp/a"

		So(store.Put(ctx, name, bytes.NewReader([]byte("v1"))), ShouldBeNil)
		So(store.Put(ctx, name, bytes.NewReader([]byte("v2"))), ShouldBeNil)

		exists, _ := store.Exists(ctx, name)
		So(exists, ShouldBeTrue)

		So(store.DeleteByName(ctx, name), ShouldBeNil)

		exists, _ = store.Exists(ctx, name)
		So(exists, ShouldBeFalse)
		_, err := store.Get(ctx, name)
		So(err, ShouldNotBeNil)
	})
}

func TestBBoltStoreDedupesIdenticalContent(t *testing.T) {
	Convey("Identical content stored under two names shares one entry, and deleting one name leaves the other intact", t, func() {
		store := newTestStore(t)
		ctx := context.Background()
		content := []byte("shared payload")

		So(store.Put(ctx, "@host1:/a", bytes.NewReader(content)), ShouldBeNil)
		So(store.Put(ctx, "@host1:/b", bytes.NewReader(content)), ShouldBeNil)

		So(store.DeleteByName(ctx, "@host1:/a"), ShouldBeNil)

		rc, err := store.Get(ctx, "@host1:/b")
		So(err, ShouldBeNil)
		data, err := ioutil.ReadAll(rc)
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, string(content))
	})
}
