package processing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/processing"
)

// TestHelperProcess is not a real test; it is the fake collaborator executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CNP_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	mode := args[1]
	var req processing.Request
	data, _ := io.ReadAll(os.Stdin)
	_ = json.Unmarshal(data, &req)
	switch mode {
	case "ok":
		out, _ := json.Marshal(processing.Result{Path: "/tmp/out.nc", Filename: req.Fingerprint.Product + ".nc", Software: map[string]string{"cloudnetpy": "1.0"}})
		fmt.Print(string(out))
		os.Exit(0)
	case "tempfail":
		fmt.Fprint(os.Stderr, "portal unavailable")
		os.Exit(processing.ExitTempFail)
	case "declared":
		fmt.Print(`{"error":{"kind":"retryable","message":"upstream not yet uploaded"}}`)
		os.Exit(1)
	case "corrupt":
		fmt.Fprint(os.Stderr, "corrupt raw file")
		os.Exit(2)
	case "sleep":
		time.Sleep(5 * time.Second)
		os.Exit(0)
	}
	os.Exit(3)
}

func helper(mode string) *processing.Command {
	return &processing.Command{
		Default: []string{os.Args[0], "-test.run=TestHelperProcess", "--", mode},
		Env:     []string{"CNP_WANT_HELPER_PROCESS=1"},
		Timeout: 10 * time.Second,
	}
}

func request() processing.Request {
	return processing.Request{Fingerprint: domain.Fingerprint{Site: "a", Date: domain.NewDate(2024, 1, 1), Product: "radar"}}
}

func TestCommandSuccess(t *testing.T) {
	res, err := helper("ok").Process(context.Background(), request())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Filename != "radar.nc" || res.Software["cloudnetpy"] != "1.0" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCommandFailureKinds(t *testing.T) {
	cases := map[string]processing.Kind{
		"tempfail": processing.KindRetryable,
		"declared": processing.KindRetryable,
		"corrupt":  processing.KindFatal,
	}
	for mode, want := range cases {
		_, err := helper(mode).Process(context.Background(), request())
		kind, ok := processing.KindOf(err)
		if !ok || kind != want {
			t.Fatalf("%s: expected %s, got %v", mode, want, err)
		}
	}
}

func TestCommandTimeoutIsRetryable(t *testing.T) {
	c := helper("sleep")
	c.Timeout = 100 * time.Millisecond
	_, err := c.Process(context.Background(), request())
	if kind, _ := processing.KindOf(err); kind != processing.KindRetryable {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestCommandMissingConfiguration(t *testing.T) {
	c := &processing.Command{}
	_, err := c.Process(context.Background(), request())
	if kind, _ := processing.KindOf(err); kind != processing.KindFatal {
		t.Fatalf("expected fatal, got %v", err)
	}
	err = c.RunJob(context.Background(), processing.JobRequest{Job: domain.ModePlot})
	if kind, _ := processing.KindOf(err); kind != processing.KindFatal {
		t.Fatalf("expected fatal job error, got %v", err)
	}
}
