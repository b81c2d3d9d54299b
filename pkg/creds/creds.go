// Package creds resolves AWS credentials for the worker environment.
//
// When passthrough is enabled, the host's default credential chain is
// consulted (environment, shared config, SSO, IMDS) and whatever it yields
// is handed to the worker, so function code can call real cloud APIs from
// inside the sandbox. When the chain yields nothing, fixed placeholder
// credentials are injected instead, so SDKs inside the sandbox do not fail
// on a missing provider.
package creds

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/rhuss/aufruf/pkg/debug"
)

// Placeholder credentials injected when no host credentials are available.
// They are syntactically valid but resolve to nothing.
const (
	DummyAccessKeyID     = "SOME_ACCESS_KEY_ID"
	DummySecretAccessKey = "SOME_SECRET_ACCESS_KEY"
)

// Credentials is the resolved set handed to the worker environment.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Resolve returns the credentials to inject into the worker. With
// passthrough enabled it tries the host chain first, bounded by timeout;
// any failure falls back to the placeholder set.
func Resolve(ctx context.Context, passthrough bool, timeout time.Duration) Credentials {
	if passthrough {
		if c, ok := fromHost(ctx, timeout); ok {
			return c
		}
	}
	return Dummy()
}

// fromHost resolves credentials from the host's default chain.
func fromHost(ctx context.Context, timeout time.Duration) (Credentials, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		debug.Log("creds", "loading host credential chain", "error", err)
		return Credentials{}, false
	}

	got, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		debug.Log("creds", "resolving host credentials", "error", err)
		return Credentials{}, false
	}
	if got.AccessKeyID == "" {
		return Credentials{}, false
	}

	debug.Log("creds", "using host credentials", "source", got.Source)
	return fromAWS(got), true
}

// Dummy returns the placeholder credential set.
func Dummy() Credentials {
	provider := credentials.NewStaticCredentialsProvider(DummyAccessKeyID, DummySecretAccessKey, "")
	got, _ := provider.Retrieve(context.Background())
	return fromAWS(got)
}

// fromAWS converts the SDK credential value into the worker-facing set.
func fromAWS(v aws.Credentials) Credentials {
	return Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}
}

// Fill sets the credential variables in env unless the caller already
// provided them. Existing values always win.
func (c Credentials) Fill(env map[string]string) {
	setIfAbsent(env, "AWS_ACCESS_KEY_ID", c.AccessKeyID)
	setIfAbsent(env, "AWS_SECRET_ACCESS_KEY", c.SecretAccessKey)
	setIfAbsent(env, "AWS_SESSION_TOKEN", c.SessionToken)
}

func setIfAbsent(env map[string]string, key, value string) {
	if value == "" {
		return
	}
	if _, ok := env[key]; ok {
		return
	}
	env[key] = value
}
