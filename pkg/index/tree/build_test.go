package tree

import (
	"fmt"
	"testing"

	"github.com/corvus-kb/corvus/pkg/common"
)

func buildDoc(sections ...common.Section) *common.Document {
	pages := 0
	for _, sec := range sections {
		if sec.PageEnd > pages {
			pages = sec.PageEnd
		}
	}
	return &common.Document{
		ID:       "doc-1",
		Title:    "Proof Systems",
		Pages:    pages,
		Sections: sections,
	}
}

func TestFromDocument(t *testing.T) {
	t.Run("leaves carry section ids", func(t *testing.T) {
		doc := buildDoc(
			common.Section{ID: "sec-1", Index: 0, Title: "Intro", Text: "Proofs convince a verifier. More text follows.", PageStart: 1, PageEnd: 2},
			common.Section{ID: "sec-2", Index: 1, Text: "Setup ceremonies", PageStart: 3, PageEnd: 4},
		)

		root := FromDocument(doc)
		if root == nil {
			t.Fatal("nil tree")
		}
		if err := Validate(root, doc); err != nil {
			t.Fatalf("invalid tree: %v", err)
		}
		if root.ID != "doc-1" || root.Title != "Proof Systems" {
			t.Errorf("root = %s %q", root.ID, root.Title)
		}
		if len(root.Children) != 2 {
			t.Fatalf("children = %d, want 2", len(root.Children))
		}
		if got := root.Children[0].ID; got != "sec-1" {
			t.Errorf("leaf ID = %s, want sec-1", got)
		}
		if got := root.Children[0].Summary; got != "Proofs convince a verifier." {
			t.Errorf("summary = %q", got)
		}
		if got := root.Children[1].Title; got != "Section 2" {
			t.Errorf("untitled leaf title = %q, want Section 2", got)
		}
	})

	t.Run("overlapping sections are clipped", func(t *testing.T) {
		doc := buildDoc(
			common.Section{ID: "sec-1", Index: 0, PageStart: 1, PageEnd: 3},
			common.Section{ID: "sec-2", Index: 1, PageStart: 3, PageEnd: 5},
			common.Section{ID: "sec-3", Index: 2, PageStart: 5, PageEnd: 5},
		)

		root := FromDocument(doc)
		if root == nil {
			t.Fatal("nil tree")
		}
		if err := Validate(root, doc); err != nil {
			t.Fatalf("invalid tree: %v", err)
		}
		if len(root.Children) != 2 {
			t.Fatalf("children = %d, want 2 (fully shadowed section dropped)", len(root.Children))
		}
		if got := root.Children[1].PageStart; got != 4 {
			t.Errorf("clipped start = %d, want 4", got)
		}
	})

	t.Run("many sections get grouped", func(t *testing.T) {
		sections := make([]common.Section, 0, 8)
		for i := 0; i < 8; i++ {
			sections = append(sections, common.Section{
				ID:        fmt.Sprintf("sec-%d", i+1),
				Index:     i,
				PageStart: i + 1,
				PageEnd:   i + 1,
			})
		}
		doc := buildDoc(sections...)

		root := FromDocument(doc)
		if root == nil {
			t.Fatal("nil tree")
		}
		if err := Validate(root, doc); err != nil {
			t.Fatalf("invalid tree: %v", err)
		}
		if len(root.Children) != 2 {
			t.Fatalf("groups = %d, want 2", len(root.Children))
		}
		group := root.Children[0]
		if group.ID != "doc-1-part-1" || len(group.Children) != 6 {
			t.Errorf("first group = %s with %d leaves", group.ID, len(group.Children))
		}
		if group.Title != "Pages 1-6" {
			t.Errorf("group title = %q", group.Title)
		}
		if got := len(root.Children[1].Children); got != 2 {
			t.Errorf("second group leaves = %d, want 2", got)
		}
	})

	t.Run("empty document", func(t *testing.T) {
		if got := FromDocument(&common.Document{ID: "doc-1", Pages: 3}); got != nil {
			t.Errorf("tree for empty document = %v", got)
		}
		if got := FromDocument(nil); got != nil {
			t.Errorf("tree for nil document = %v", got)
		}
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	doc := buildDoc(
		common.Section{ID: "sec-1", Index: 0, Title: "Intro", PageStart: 1, PageEnd: 2},
	)
	root := FromDocument(doc)

	if err := reg.Put(doc, root); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
	if got := reg.Get("doc-1"); got != root {
		t.Error("Get returned a different tree")
	}
	if got := len(reg.All()); got != 1 {
		t.Errorf("All = %d trees, want 1", got)
	}

	t.Run("invalid trees are rejected", func(t *testing.T) {
		bad := FromDocument(doc)
		bad.PageEnd = doc.Pages + 1
		if err := reg.Put(doc, bad); err == nil {
			t.Error("invalid tree accepted")
		}
		if err := reg.Put(doc, nil); err == nil {
			t.Error("nil tree accepted")
		}
		if got := reg.Get("doc-1"); got != root {
			t.Error("rejected Put replaced the published tree")
		}
	})

	reg.Remove("doc-1")
	if reg.Get("doc-1") != nil || reg.Len() != 0 {
		t.Error("Remove left the tree published")
	}
}
