package transformers

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

func TestFilter(t *testing.T) {
	f, err := NewFilter("amount > 10")
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	rows := []utils.Record{{"amount": 5}, {"amount": 20}, {"amount": 11}}
	got, err := f.Apply(rows)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]utils.Record{{"amount": 20}, {"amount": 11}}, got); diff != "" {
		t.Fatalf("filtered rows (-want +got):\n%s", diff)
	}
	if _, err := NewFilter(""); err == nil {
		t.Fatalf("empty condition accepted")
	}
}

func TestAggregate(t *testing.T) {
	fn, err := Aggregate([]string{"region"}, []Aggregation{
		{Func: "count"},
		{SourceField: "amount", Func: "sum", OutputField: "total"},
		{SourceField: "amount", Func: "avg"},
		{SourceField: "amount", Func: "max"},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	rows := []utils.Record{
		{"region": "eu", "amount": int64(10)},
		{"region": "us", "amount": 2.5},
		{"region": "eu", "amount": int64(20)},
	}
	got, err := fn(context.Background(), rows)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	want := []utils.Record{
		{"region": "eu", "count": int64(2), "total": int64(30), "avg_amount": 15.0, "max_amount": int64(20)},
		{"region": "us", "count": int64(1), "total": 2.5, "avg_amount": 2.5, "max_amount": 2.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("aggregate (-want +got):\n%s", diff)
	}
	if _, err := Aggregate(nil, []Aggregation{{Func: "median", SourceField: "x"}}); err == nil {
		t.Fatalf("unsupported function accepted")
	}
}

func TestDedupeKeepsLast(t *testing.T) {
	fn, err := Dedupe([]string{"id"})
	if err != nil {
		t.Fatalf("Dedupe: %v", err)
	}
	got, _ := fn(context.Background(), []utils.Record{{"id": 1, "v": "a"}, {"id": 2, "v": "b"}, {"id": 1, "v": "c"}})
	want := []utils.Record{{"id": 1, "v": "c"}, {"id": 2, "v": "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dedupe (-want +got):\n%s", diff)
	}
}
