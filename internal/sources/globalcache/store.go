// Package globalcache searches and fetches models from the operator's
// private S3-style model store, consulted before any public registry.
package globalcache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Object is one remote entry in the store.
type Object struct {
	Key  string
	Size int64
}

// ObjectStore is the collaborator contract for the remote store. The
// production implementation shells out to an external copy tool; tests
// inject fakes.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Copy(ctx context.Context, key, localPath string) error
}

const listTimeout = 30 * time.Second

// CommandStore implements ObjectStore by invoking an s3-compatible CLI
// (`<command> s3 ls/cp`). Copies are bounded by copyTimeout and killed on
// context cancellation, which is how cooperative cancellation reaches the
// subprocess.
type CommandStore struct {
	command     string
	bucket      string
	copyTimeout time.Duration
}

func NewCommandStore(command, bucket string, copyTimeout time.Duration) *CommandStore {
	if command == "" {
		command = "aws"
	}
	if copyTimeout <= 0 {
		copyTimeout = 15 * time.Minute
	}
	return &CommandStore{command: command, bucket: bucket, copyTimeout: copyTimeout}
}

// List enumerates objects under prefix.
func (s *CommandStore) List(ctx context.Context, prefix string) ([]Object, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	uri := fmt.Sprintf("s3://%s/%s", s.bucket, strings.TrimPrefix(prefix, "/"))
	cmd := exec.CommandContext(ctx, s.command, "s3", "ls", "--recursive", uri)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Listing global cache: %s s3 ls --recursive %s", s.command, uri)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("listing %s failed: %w (%s)", uri, err, strings.TrimSpace(stderr.String()))
	}

	return parseListing(stdout.Bytes()), nil
}

// parseListing reads `s3 ls --recursive` output: "date time size key".
func parseListing(out []byte) []Object {
	var objects []Object
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		key := strings.Join(fields[3:], " ")
		objects = append(objects, Object{Key: key, Size: size})
	}
	return objects
}

// Copy transfers one object to localPath.
func (s *CommandStore) Copy(ctx context.Context, key, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.copyTimeout)
	defer cancel()

	uri := fmt.Sprintf("s3://%s/%s", s.bucket, strings.TrimPrefix(key, "/"))
	cmd := exec.CommandContext(ctx, s.command, "s3", "cp", uri, localPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debugf("Copying from global cache: %s s3 cp %s %s", s.command, uri, localPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying %s failed: %w (%s)", uri, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
