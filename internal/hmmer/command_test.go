package hmmer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmmerweb/internal/models"
)

func TestBuildProfileBuild(t *testing.T) {
	cmd, err := Build(models.ToolProfileBuild, []string{MSAFile}, models.Params{})
	require.NoError(t, err)
	assert.Equal(t, "hmmbuild", cmd.Binary)
	assert.Equal(t, []string{ProfileFile, MSAFile}, cmd.Args)
	assert.Equal(t, []string{ProfileFile}, cmd.OutputFiles)
}

func TestBuildSimilaritySearch(t *testing.T) {
	cmd, err := Build(models.ToolSimilaritySearch, []string{ProfileFile, SequencesFile}, models.Params{})
	require.NoError(t, err)
	assert.Equal(t, "hmmsearch", cmd.Binary)
	assert.Equal(t, []string{
		"-o", SearchOutFile,
		"--tblout", HitsTblFile,
		"--domtblout", DomainTblFile,
		ProfileFile, SequencesFile,
	}, cmd.Args)
	assert.Len(t, cmd.OutputFiles, 3)
}

func TestBuildEmit(t *testing.T) {
	seed := int64(42)
	cmd, err := Build(models.ToolEmit, []string{ProfileFile}, models.Params{NumSeqs: 10, Seed: &seed})
	require.NoError(t, err)
	assert.Equal(t, "hmmemit", cmd.Binary)
	assert.Equal(t, []string{"--seed", "42", "-N", "10", "-o", EmittedFile, ProfileFile}, cmd.Args)

	// Seed is optional.
	cmd, err = Build(models.ToolEmit, []string{ProfileFile}, models.Params{NumSeqs: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"-N", "1", "-o", EmittedFile, ProfileFile}, cmd.Args)
}

func TestBuildRejectsBadInputs(t *testing.T) {
	_, err := Build(models.ToolSimilaritySearch, []string{ProfileFile}, models.Params{})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = Build(models.ToolEmit, []string{ProfileFile}, models.Params{NumSeqs: 0})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = Build(models.ToolEmit, []string{ProfileFile}, models.Params{NumSeqs: 1001})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = Build(models.ToolProfileBuild, []string{MSAFile}, models.Params{NumSeqs: 5})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestValidateFilename(t *testing.T) {
	msa := InputSpec(models.ToolProfileBuild)[0]
	assert.NoError(t, msa.ValidateFilename("globins.sto"))
	assert.NoError(t, msa.ValidateFilename("Globins.FASTA"))
	assert.ErrorIs(t, msa.ValidateFilename("globins.hmm"), models.ErrValidation)

	profile := InputSpec(models.ToolEmit)[0]
	assert.NoError(t, profile.ValidateFilename("globins.hmm"))
	assert.ErrorIs(t, profile.ValidateFilename("globins.fa"), models.ErrValidation)
}
