package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/audit"
)

type fakeS3 struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *params.Bucket
	f.key = *params.Key
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	journal := audit.NewJournal()
	target := uuid.New()
	fillJournal(t, journal, target, audit.KindPlanned, audit.KindAdded, audit.KindExecuted)

	keyring, err := audit.KeyringFromSecret([]byte("secret"), "journal")
	require.NoError(t, err)
	cp, err := journal.Checkpoint(keyring)
	require.NoError(t, err)

	fake := &fakeS3{}
	archiver := audit.NewS3ArchiverWithClient(fake, "estop-evidence", "journals/")

	key, err := archiver.Archive(context.Background(), journal.List(), journal.Head(), cp)
	require.NoError(t, err)

	assert.Equal(t, "estop-evidence", fake.bucket)
	assert.Equal(t, key, fake.key)
	assert.Contains(t, key, "journals/")
	assert.NotContains(t, key, "sha256:")

	// The object carries every event plus the checkpoint, one JSON doc per line.
	scanner := bufio.NewScanner(bytes.NewReader(fake.body))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 4)

	var last audit.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &last))
	assert.Equal(t, journal.Head(), last.Head)
	assert.NoError(t, audit.VerifyCheckpoint(&last))
}

func TestS3Archiver_Archive_Empty(t *testing.T) {
	archiver := audit.NewS3ArchiverWithClient(&fakeS3{}, "estop-evidence", "")
	_, err := archiver.Archive(context.Background(), nil, "genesis", nil)
	assert.Error(t, err)
}
