package sharedmap_test

import (
	"context"
	"fmt"

	"github.com/jrhy/sharedmap"
	"github.com/jrhy/sharedmap/opstore"
)

func Example() {
	ctx := context.Background()
	a := opstore.New(&opstore.Config{Replica: "a"})
	defer a.Close()
	b := opstore.New(&opstore.Config{Replica: "b"})
	defer b.Close()
	a.OnLocalOperations(func(ops []*opstore.Operation) { b.ApplyRemote(ops) })
	b.OnLocalOperations(func(ops []*opstore.Operation) { a.ApplyRemote(ops) })

	ma, err := sharedmap.Root(ctx, a, "doc")
	if err != nil {
		panic(err)
	}
	mb, err := sharedmap.Root(ctx, b, "doc")
	if err != nil {
		panic(err)
	}
	ma.Set("title", "draft")
	mb.Set("author", "b")
	for _, s := range []*opstore.Store{a, b, a, b} {
		if err := s.Sync(ctx); err != nil {
			panic(err)
		}
	}
	fmt.Println(ma.Primitives())
	fmt.Println(mb.Primitives())
	// Output:
	// map[author:b title:draft]
	// map[author:b title:draft]
}

func ExampleMap_Observe() {
	ctx := context.Background()
	s := opstore.New(&opstore.Config{Replica: "a"})
	defer s.Close()
	m, err := sharedmap.Root(ctx, s, "settings")
	if err != nil {
		panic(err)
	}
	sub := m.Observe(func(events []sharedmap.Event) {
		for _, e := range events {
			fmt.Println(e.Type, e.Name)
		}
	})
	defer sub.Close()
	m.Set("color", "red")
	m.Set("color", "blue")
	m.Delete("color")
	if err := s.Sync(ctx); err != nil {
		panic(err)
	}
	// Output:
	// add color
	// update color
	// delete color
}

func ExampleMap_Set_nested() {
	ctx := context.Background()
	s := opstore.New(&opstore.Config{Replica: "a"})
	defer s.Close()
	m, err := sharedmap.Root(ctx, s, "doc")
	if err != nil {
		panic(err)
	}
	fut, err := m.Set("meta", sharedmap.MapType)
	if err != nil {
		panic(err)
	}
	v, err := fut.Await(ctx)
	if err != nil {
		panic(err)
	}
	meta := v.(*sharedmap.Map)
	meta.Set("version", "1")
	fmt.Println(m.Keys(), meta.Primitives())
	// Output:
	// [meta] map[version:1]
}

func ExampleMap_ObservePath() {
	ctx := context.Background()
	s := opstore.New(&opstore.Config{Replica: "a"})
	defer s.Close()
	m, err := sharedmap.Root(ctx, s, "doc")
	if err != nil {
		panic(err)
	}
	stop, err := m.ObservePath([]string{"user", "name"}, func(v interface{}) {
		if v != nil {
			fmt.Println("name:", v)
		}
	})
	if err != nil {
		panic(err)
	}
	defer stop()
	if err := s.Sync(ctx); err != nil {
		panic(err)
	}
	fut, err := m.Get("user")
	if err != nil {
		panic(err)
	}
	user, err := fut.Await(ctx)
	if err != nil {
		panic(err)
	}
	user.(*sharedmap.Map).Set("name", "ada")
	// Output:
	// name: ada
}
