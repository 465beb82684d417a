package storage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

func mustBuildListWhere(t *testing.T, f model.ListFilter) (string, []any) {
	t.Helper()
	where, args, err := buildListWhere(f)
	if err != nil {
		t.Fatalf("buildListWhere: %v", err)
	}
	return where, args
}

func TestBuildListWhere_DefaultHidesCancelled(t *testing.T) {
	where, args := mustBuildListWhere(t, model.ListFilter{}.Normalized())
	if !strings.Contains(where, "status <> $1") {
		t.Fatalf("expected cancelled exclusion, got %q", where)
	}
	if len(args) != 1 || args[0] != "cancelled" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildListWhere_AllStatuses(t *testing.T) {
	where, args := mustBuildListWhere(t, model.ListFilter{Status: "ALL"}.Normalized())
	if strings.Contains(where, "status") {
		t.Fatalf("status=all must not filter by status, got %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildListWhere_ExactStatus(t *testing.T) {
	where, args := mustBuildListWhere(t, model.ListFilter{Status: "Booked"}.Normalized())
	if !strings.Contains(where, "status = $1") {
		t.Fatalf("expected exact status filter, got %q", where)
	}
	if len(args) != 1 || args[0] != "booked" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildListWhere_UnknownStatusRejected(t *testing.T) {
	_, _, err := buildListWhere(model.ListFilter{Status: "archived"}.Normalized())
	var vErr *model.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for unknown status, got %v", err)
	}
}

func TestBuildListWhere_SearchWinsOverEmailAndName(t *testing.T) {
	f := model.ListFilter{Status: "all", Search: "alice", Email: "bob@example.com", Name: "bob"}
	where, args := mustBuildListWhere(t, f.Normalized())
	if !strings.Contains(where, "(name ILIKE $1 OR email ILIKE $1)") {
		t.Fatalf("expected combined search clause, got %q", where)
	}
	if len(args) != 1 || args[0] != "%alice%" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildListWhere_IndependentEmailAndName(t *testing.T) {
	f := model.ListFilter{Status: "all", Email: "ALICE@example.com", Name: "Ali"}
	where, args := mustBuildListWhere(t, f.Normalized())
	if !strings.Contains(where, "email ILIKE $1") || !strings.Contains(where, "name ILIKE $2") {
		t.Fatalf("expected independent filters, got %q", where)
	}
	if len(args) != 2 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildListWhere_DateRange(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC)
	f := model.ListFilter{Status: "all", StartDate: &start, EndDate: &end}
	where, args := mustBuildListWhere(t, f.Normalized())
	if !strings.Contains(where, "start_time >= $1") || !strings.Contains(where, "start_time <= $2") {
		t.Fatalf("expected date range conditions, got %q", where)
	}
	if len(args) != 2 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestLikePattern_EscapesWildcards(t *testing.T) {
	got := likePattern("50%_off\\")
	want := `%50\%\_off\\%`
	if got != want {
		t.Fatalf("likePattern = %q, want %q", got, want)
	}
}
