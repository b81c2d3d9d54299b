package creds

import (
	"context"
	"testing"
	"time"
)

func TestDummy(t *testing.T) {
	c := Dummy()

	if c.AccessKeyID != DummyAccessKeyID {
		t.Errorf("AccessKeyID = %q, want %q", c.AccessKeyID, DummyAccessKeyID)
	}
	if c.SecretAccessKey != DummySecretAccessKey {
		t.Errorf("SecretAccessKey = %q, want %q", c.SecretAccessKey, DummySecretAccessKey)
	}
	if c.SessionToken != "" {
		t.Errorf("SessionToken = %q, want empty", c.SessionToken)
	}
}

func TestResolveWithoutPassthrough(t *testing.T) {
	c := Resolve(context.Background(), false, time.Second)

	if c.AccessKeyID != DummyAccessKeyID {
		t.Errorf("AccessKeyID = %q, want placeholder", c.AccessKeyID)
	}
}

func TestResolvePassthroughFromEnv(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAEXAMPLE12345678")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-from-env")
	t.Setenv("AWS_SESSION_TOKEN", "token-from-env")

	c := Resolve(context.Background(), true, 2*time.Second)

	if c.AccessKeyID != "AKIAEXAMPLE12345678" {
		t.Errorf("AccessKeyID = %q, want env value", c.AccessKeyID)
	}
	if c.SecretAccessKey != "secret-from-env" {
		t.Errorf("SecretAccessKey = %q, want env value", c.SecretAccessKey)
	}
	if c.SessionToken != "token-from-env" {
		t.Errorf("SessionToken = %q, want env value", c.SessionToken)
	}
}

func TestFill(t *testing.T) {
	c := Credentials{
		AccessKeyID:     "AKIAFILL",
		SecretAccessKey: "fill-secret",
	}

	env := map[string]string{
		"AWS_ACCESS_KEY_ID": "caller-provided",
	}
	c.Fill(env)

	if env["AWS_ACCESS_KEY_ID"] != "caller-provided" {
		t.Errorf("AWS_ACCESS_KEY_ID = %q, caller value must win", env["AWS_ACCESS_KEY_ID"])
	}
	if env["AWS_SECRET_ACCESS_KEY"] != "fill-secret" {
		t.Errorf("AWS_SECRET_ACCESS_KEY = %q, want filled value", env["AWS_SECRET_ACCESS_KEY"])
	}
	if _, ok := env["AWS_SESSION_TOKEN"]; ok {
		t.Error("AWS_SESSION_TOKEN should not be set when empty")
	}
}
