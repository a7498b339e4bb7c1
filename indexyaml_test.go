package docds

import (
	"context"
	"strings"
	"testing"
)

const sampleIndexYAML = `indexes:
  - kind: Person
    properties:
      - name: age
        direction: desc
      - name: name
  - kind: Post
    ancestor: yes
    properties:
      - name: date
`

func TestParseIndexYAML(t *testing.T) {
	specs := must(ParseIndexYAML(strings.NewReader(sampleIndexYAML), "acme"))
	var got []string
	for _, s := range specs {
		got = append(got, s.String())
		deepEqual(t, s.Namespace, "acme")
	}
	deepEqual(t, got, []string{"Person(age desc, name)", "Post ancestor(date)"})

	out := string(FormatIndexYAML(specs))
	reparsed := must(ParseIndexYAML(strings.NewReader(out), "acme"))
	deepEqual(t, reparsed, specs)
}

func TestParseIndexYAML_Empty(t *testing.T) {
	specs := must(ParseIndexYAML(strings.NewReader(""), ""))
	isempty(t, specs)
}

func TestParseIndexYAML_Errors(t *testing.T) {
	for _, src := range []string{
		"indexes:\n  - kind: A\n    properties:\n      - name: x\n        direction: sideways\n",
		"indexes:\n  - kind: A\n    ancestor: maybe\n",
		"indexes:\n  - properties:\n      - name: x\n",
		"indexes:\n  - kind: A\n    unknown: 1\n",
		"indexes: [",
	} {
		if _, err := ParseIndexYAML(strings.NewReader(src), ""); err == nil {
			t.Errorf("ParseIndexYAML(%q) succeeded", src)
		}
	}
}

func TestDB_SyncIndexes(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	specs := must(ParseIndexYAML(strings.NewReader(sampleIndexYAML), ""))

	created := must(db.SyncIndexes(ctx, specs))
	deepEqual(t, len(created), 2)
	created = must(db.SyncIndexes(ctx, specs))
	deepEqual(t, len(created), 0)

	listed := must(db.ListIndexes(ctx, ""))
	var got []string
	for _, s := range listed {
		got = append(got, s.String())
	}
	deepEqual(t, got, []string{"Person(age desc, name)", "Post(date)"})

	isErr(t, db.CreateIndex(ctx, specs[0]), ErrIndexExists)
	ensure(db.DropIndex(ctx, specs[0]))
	deepEqual(t, must(db.HasIndex(ctx, specs[0])), false)
	isErr(t, db.DropIndex(ctx, specs[0]), ErrIndexNotFound)

	isempty(t, must(db.ListIndexes(ctx, "other")))
	isErr(t, db.CreateIndex(ctx, &IndexSpec{}), ErrBadRequest)
	deepEqual(t, must(db.HasIndex(ctx, &IndexSpec{Kind: "Post", Ancestor: true})), true)
}
