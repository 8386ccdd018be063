/*
Package storage provides the S3-compatible object storage backend for meeting membership.

Each meeting is one JSON object. Writes are conditional on the ETag observed when the object was
read, so two writers racing on the same meeting cannot silently overwrite each other.
*/
package storage

import (
	"context"
	"strings"
)

// ServiceConfig holds the configuration required to connect to the storage service.
type ServiceConfig struct {
	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// S3Prefix is prepended to every object key, e.g. "prod/".
	S3Prefix string
}

// NewMeetingStore connects to the bucket described by cfg.
func NewMeetingStore(ctx context.Context, cfg ServiceConfig) (*MeetingStore, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newMeetingStore(client, cfg.S3BucketName, cfg.S3Prefix), nil
}

// normalizePrefix makes a non-empty prefix end with exactly one slash.
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
