package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	clearTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

// TestRun_ServeCommand_UnreachableDatabase はDBに接続できない場合にserveが起動せずエラーを返すことを検証する。
func TestRun_ServeCommand_UnreachableDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run(serve) should fail when the database is unreachable")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error should mention the database, got %v", err)
	}
}

func TestRun_MigrateCommand_UnreachableDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Fatal("Run(migrate) should fail when the database is unreachable")
	}
	if !strings.Contains(err.Error(), "migration failed") {
		t.Errorf("error = %v, want migration failure", err)
	}
}

func TestRun_RecoverCommand_RequiresAdminToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"recover", "user-1"})
	if err == nil || !strings.Contains(err.Error(), "ADMIN_TOKEN") {
		t.Fatalf("err = %v, want ADMIN_TOKEN error", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	if err := runHealthcheck(healthy.URL); err != nil {
		t.Errorf("healthy server: unexpected error %v", err)
	}

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	if err := runHealthcheck(unhealthy.URL); err == nil {
		t.Error("unhealthy server: expected error")
	}
}

func TestRunAdminCommand_RecoverUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/admin/users/user-1/recover" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"recovered":true,"user_id":"user-1"}` + "\n"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runAdminCommand(context.Background(), &out, CommandRecover, []string{"user-1"}, srv.URL, "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), `"recovered": true`) {
		t.Errorf("output should be indented JSON, got %q", out.String())
	}
	if strings.HasSuffix(out.String(), "\n\n") {
		t.Errorf("output should end with a single newline, got %q", out.String())
	}
}

func TestRunAdminCommand_RecoverAll(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"recovered":3}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runAdminCommand(context.Background(), &out, CommandRecover, []string{"--all"}, srv.URL, "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/admin/recover" {
		t.Errorf("path = %q, want /admin/recover", path)
	}
}

func TestRunAdminCommand_Diagnose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/admin/users/user-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"user_id":"user-1","healthy":true}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runAdminCommand(context.Background(), &out, CommandDiagnose, []string{"user-1"}, srv.URL, "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), `"healthy": true`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunAdminCommand_DiagnoseRejectsAll(t *testing.T) {
	err := runAdminCommand(context.Background(), &bytes.Buffer{}, CommandDiagnose, []string{"--all"}, "http://localhost:1", "secret")
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestRunAdminCommand_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"USER_NOT_FOUND","message":"not tracked","category":"validation","action":""}`))
	}))
	defer srv.Close()

	err := runAdminCommand(context.Background(), &bytes.Buffer{}, CommandDiagnose, []string{"ghost"}, srv.URL, "secret")
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "USER_NOT_FOUND") || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want status and code", err)
	}
}
