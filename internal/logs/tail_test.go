package logs_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"

	"haul/internal/logs"
)

func writeLog(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func appendLog(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestTailLastLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "/logs/haul.log", "a\nb\nc\n")

	result, err := logs.Tail(context.Background(), fs, "/logs/haul.log", logs.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "b" || result.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("offset = %d, want 6", result.Offset)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), afero.NewMemMapFs(), "/nope.log", logs.TailOptions{Offset: 42})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if result.Offset != 0 || len(result.Lines) != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestTailFromOffsetKeepsPartialLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "/haul.log", "one\ntwo\npart")

	result, err := logs.Tail(context.Background(), fs, "/haul.log", logs.TailOptions{Offset: 4})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "two" || result.Offset != 8 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestTailFiltersByItem(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "/haul.log", `{"msg":"start","item_id":"a"}
{"msg":"start","item_id":"b"}
12:00:00 INFO transfer completed item_id=a lane=express
12:00:01 INFO transfer completed item_id=ab
`)

	result, err := logs.Tail(context.Background(), fs, "/haul.log", logs.TailOptions{Offset: -1, Limit: 10, ItemID: "a"})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 2 {
		t.Fatalf("expected two lines for item a, got %#v", result.Lines)
	}
}

func TestTailFollowWaits(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "/haul.log", "start\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan logs.TailResult, 1)
	go func() {
		res, err := logs.Tail(ctx, fs, "/haul.log", logs.TailOptions{Offset: 6, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	appendLog(t, fs, "/haul.log", "later\n")

	select {
	case res := <-done:
		if len(res.Lines) != 1 || res.Lines[0] != "later" || res.Offset != 12 {
			t.Fatalf("unexpected follow result: %#v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}

func TestTailFollowTimesOut(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLog(t, fs, "/haul.log", "start\n")
	res, err := logs.Tail(context.Background(), fs, "/haul.log", logs.TailOptions{Offset: 6, Follow: true, Wait: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(res.Lines) != 0 || res.Offset != 6 {
		t.Fatalf("unexpected result %#v", res)
	}
}
