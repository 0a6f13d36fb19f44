// Package secrets resolves configuration values stored in AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Prefix marks a config value as an SSM parameter name.
const Prefix = "ssm:"

// ssmAPI is the minimal AWS SSM interface required by Resolver.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// IsReference reports whether value names an SSM parameter.
func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), Prefix)
}

// Resolver fetches SSM parameters, caching each name for its lifetime.
type Resolver struct {
	api   ssmAPI
	cache map[string]string
}

func NewResolver(api ssmAPI) (*Resolver, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &Resolver{api: api, cache: make(map[string]string)}, nil
}

// NewAWSResolver builds a Resolver from the default AWS credential chain.
func NewAWSResolver(ctx context.Context, region string) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewResolver(ssm.NewFromConfig(cfg))
}

// Resolve returns value unchanged unless it carries the ssm: prefix, in
// which case the decrypted parameter value is returned.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), Prefix))
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}
	if v, ok := r.cache[name]; ok {
		return v, nil
	}

	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q missing value", name)
	}
	r.cache[name] = *out.Parameter.Value
	return *out.Parameter.Value, nil
}

// ResolveAll resolves every pointed-to value in place.
func (r *Resolver) ResolveAll(ctx context.Context, values ...*string) error {
	for _, v := range values {
		if v == nil {
			continue
		}
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}
