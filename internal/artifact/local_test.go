package artifact

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmmerweb/internal/models"
)

func TestLocalSaveOpen(t *testing.T) {
	ctx := context.Background()
	st := NewLocal(t.TempDir())

	ref, err := st.Save(ctx, "job-1", "seqA.fasta", strings.NewReader(">seqA\nACDEFGH\n"))
	require.NoError(t, err)
	assert.Equal(t, "job-1/seqA.fasta", ref)

	rc, err := st.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, ">seqA\nACDEFGH\n", string(data))
}

func TestLocalOpenMissing(t *testing.T) {
	ctx := context.Background()
	st := NewLocal(t.TempDir())

	_, err := st.Open(ctx, "job-9/nothing.fa")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = st.Open(ctx, "garbage")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLocalDeleteJobIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewLocal(t.TempDir())

	ref, err := st.Save(ctx, "job-2", "profile.hmm", strings.NewReader("HMMER3/f"))
	require.NoError(t, err)

	require.NoError(t, st.DeleteJob(ctx, "job-2"))
	_, err = st.Open(ctx, ref)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Second delete of an absent namespace is not an error.
	require.NoError(t, st.DeleteJob(ctx, "job-2"))
}

func TestRefSanitizesNames(t *testing.T) {
	assert.Equal(t, "j/evil.fa", Ref("j", "../../evil.fa"))
	assert.Equal(t, "j/evil.fa", Ref("j", "/tmp/evil.fa"))
	assert.Equal(t, "j/evil.fa", Ref("j", `c:\tmp\evil.fa`))
	assert.Equal(t, "j/artifact", Ref("j", ""))
	assert.Equal(t, "seqA.fasta", Name("job-1/seqA.fasta"))
}
