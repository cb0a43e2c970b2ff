package db_test

import (
	"reflect"
	"testing"

	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/db/cache"
)

func scoped() *cache.Scoped {
	return cache.NewScoped("db1", cache.NewMemory(10), &cache.Stats{}, &cache.Stats{})
}

func TestInvalidationKeys(t *testing.T) {
	f := &content.Folder{Base: content.NewBase("Folder", "docs")}
	f.OID = "oid1"
	f.ParentID = "parent1"

	tests := []struct {
		name string
		m    db.Mutation
		want []string
	}{
		{
			"modified invalidates the object and its parent entry",
			db.MutationModified,
			[]string{"db1-oid1", "db1-parent1/docs"},
		},
		{
			"added invalidates the parent's collection variants",
			db.MutationAdded,
			[]string{"db1-parent1-len", "db1-parent1-keys"},
		},
		{
			"deleted invalidates everything",
			db.MutationDeleted,
			[]string{"db1-oid1", "db1-parent1/docs", "db1-parent1-len", "db1-parent1-keys"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := db.InvalidationKeys(scoped(), f, tt.m)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("InvalidationKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidationKeysAnnotation(t *testing.T) {
	a := content.NewAnnotation("meta", "owner1")
	a.OID = "ann1"

	want := []string{
		"db1-ann1",
		"db1-owner1/meta-annotation",
		"db1-owner1-annotation-keys",
	}
	// Annotations invalidate the same set whatever the mutation.
	for _, m := range []db.Mutation{db.MutationModified, db.MutationAdded, db.MutationDeleted} {
		got := db.InvalidationKeys(scoped(), a, m)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("InvalidationKeys(%s) = %v, want %v", m, got, want)
		}
	}
}
