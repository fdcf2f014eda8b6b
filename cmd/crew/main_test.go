package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/crew/pkg/config"
)

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{
		"--config", "crew.yaml", "--set=pipeline.max_retries=1", "--env", "prod", "--json", "check",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	wantArgs := []string{"--config", "crew.yaml", "--set=pipeline.max_retries=1", "--env", "prod"}
	if !reflect.DeepEqual(flags.ConfigArgs, wantArgs) {
		t.Fatalf("config args = %v, want %v", flags.ConfigArgs, wantArgs)
	}
	if !flags.JSON {
		t.Fatal("expected --json")
	}
	if len(rest) != 1 || rest[0] != "check" {
		t.Fatalf("unexpected rest %v", rest)
	}
}

func TestParseGlobalFlagsErrors(t *testing.T) {
	for _, args := range [][]string{{"--config"}, {"--bogus"}, {"--set"}} {
		if _, _, err := parseGlobalFlags(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
	flags, rest, err := parseGlobalFlags([]string{"--", "--serve"})
	if err != nil || len(rest) != 1 || flags.Help {
		t.Fatalf("unexpected result %v %v %v", flags, rest, err)
	}
}

func TestRunConfigDumpsCrew(t *testing.T) {
	cfg, err := config.LoadWithCLI([]string{"--set", "roles.writer.model=llama3"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out bytes.Buffer
	if err := runConfig(&out, cfg); err != nil {
		t.Fatalf("run config: %v", err)
	}

	var doc struct {
		Pipeline map[string]any   `yaml:"pipeline"`
		Crew     []map[string]any `yaml:"crew"`
	}
	if err := yaml.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("yaml: %v\n%s", err, out.String())
	}
	if doc.Pipeline["step_timeout"] != "2m0s" {
		t.Errorf("unexpected step timeout %v", doc.Pipeline["step_timeout"])
	}
	if len(doc.Crew) != 4 || doc.Crew[3]["model"] != "llama3" || doc.Crew[0]["can_delegate"] != true {
		t.Errorf("unexpected crew %v", doc.Crew)
	}
}

func TestRunCheck(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[{"name":"llama2:1b"},{"name":"llama2:7b"},{"name":"mistral:latest"},{"name":"llama2:13b"}]}`)
	}))
	defer ollama.Close()

	cfg, err := config.LoadWithCLI([]string{"--set", "ollama.host=" + ollama.URL})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var out bytes.Buffer
	if !runCheck(context.Background(), &out, globalFlags{}, cfg) {
		t.Fatalf("expected check to pass:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Successfully connected") || !strings.Contains(out.String(), "mistral:latest") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	cfg.Roles["writer"] = config.RoleConfig{Model: "llama3"}
	out.Reset()
	if runCheck(context.Background(), &out, globalFlags{JSON: true}, cfg) {
		t.Fatal("expected check to fail with a missing model")
	}
	var res checkResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !res.Reachable || len(res.Missing) != 1 || res.Missing[0] != "llama3" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunCheckUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	cfg, err := config.LoadWithCLI([]string{"--set", "ollama.host=" + url})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out bytes.Buffer
	if runCheck(context.Background(), &out, globalFlags{}, cfg) {
		t.Fatal("expected unreachable host to fail")
	}
	if !strings.Contains(out.String(), "Failed to connect") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
