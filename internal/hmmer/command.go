// Package hmmer maps the closed tool enum onto concrete HMMER invocations.
// The argument vectors and file conventions here follow the upstream HMMER
// binaries and are treated as a fixed external contract.
package hmmer

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"hmmerweb/internal/models"
)

// Conventional filenames inside a job's working directory.
const (
	ProfileFile   = "profile.hmm"
	MSAFile       = "alignment"
	SequencesFile = "sequences.fasta"
	SearchOutFile = "search.out"
	HitsTblFile   = "hits.tbl"
	DomainTblFile = "domains.tbl"
	EmittedFile   = "emitted.fa"
)

// InputField describes one required upload for a tool.
type InputField struct {
	// Field is the multipart form field name and the logical role of the file.
	Field string
	// Exts lists accepted filename extensions, lowercase with dot.
	Exts []string
	// Local is the filename the input is staged under in the workdir.
	Local string
}

// Command is one fully-specified invocation: the binary, its argument
// vector, and the output files a successful run must leave behind. All
// paths are relative to the job's working directory.
type Command struct {
	Binary      string
	Args        []string
	OutputFiles []string
}

// InputSpec returns the required input files for a tool, in the order they
// become the job's input_refs. The extension lists mirror what the wrapped
// binaries accept.
func InputSpec(tool models.Tool) []InputField {
	switch tool {
	case models.ToolProfileBuild:
		return []InputField{
			{Field: "msa", Exts: []string{".sto", ".aln", ".phy", ".fa", ".fasta"}, Local: MSAFile},
		}
	case models.ToolSimilaritySearch:
		return []InputField{
			{Field: "profile", Exts: []string{".hmm"}, Local: ProfileFile},
			{Field: "sequences", Exts: []string{".fa", ".fasta"}, Local: SequencesFile},
		}
	case models.ToolEmit:
		return []InputField{
			{Field: "profile", Exts: []string{".hmm"}, Local: ProfileFile},
		}
	}
	return nil
}

// ValidateFilename checks an uploaded filename against a field's accepted
// extensions.
func (f InputField) ValidateFilename(name string) error {
	ext := strings.ToLower(path.Ext(name))
	for _, ok := range f.Exts {
		if ext == ok {
			return nil
		}
	}
	return fmt.Errorf("%w: field %q does not accept %q (want one of %s)",
		models.ErrValidation, f.Field, name, strings.Join(f.Exts, ", "))
}

// ValidateParams rejects parameter sets that the tool cannot honor.
func ValidateParams(tool models.Tool, p models.Params) error {
	if tool != models.ToolEmit {
		if p.NumSeqs != 0 || p.Seed != nil {
			return fmt.Errorf("%w: %s takes no parameters", models.ErrValidation, tool)
		}
		return nil
	}
	if p.NumSeqs < 1 || p.NumSeqs > 1000 {
		return fmt.Errorf("%w: num_seqs must be between 1 and 1000", models.ErrValidation)
	}
	if p.Seed != nil && *p.Seed < 0 {
		return fmt.Errorf("%w: seed must be non-negative", models.ErrValidation)
	}
	return nil
}

// Build assembles the invocation for a tool given the staged input
// filenames (workdir-relative, in InputSpec order) and parameters.
func Build(tool models.Tool, inputs []string, p models.Params) (Command, error) {
	spec := InputSpec(tool)
	if len(inputs) != len(spec) {
		return Command{}, fmt.Errorf("%w: %s needs %d input file(s), got %d",
			models.ErrValidation, tool, len(spec), len(inputs))
	}
	if err := ValidateParams(tool, p); err != nil {
		return Command{}, err
	}

	switch tool {
	case models.ToolProfileBuild:
		return Command{
			Binary:      "hmmbuild",
			Args:        []string{ProfileFile, inputs[0]},
			OutputFiles: []string{ProfileFile},
		}, nil

	case models.ToolSimilaritySearch:
		return Command{
			Binary: "hmmsearch",
			Args: []string{
				"-o", SearchOutFile,
				"--tblout", HitsTblFile,
				"--domtblout", DomainTblFile,
				inputs[0], inputs[1],
			},
			OutputFiles: []string{SearchOutFile, HitsTblFile, DomainTblFile},
		}, nil

	case models.ToolEmit:
		args := []string{}
		if p.Seed != nil {
			args = append(args, "--seed", strconv.FormatInt(*p.Seed, 10))
		}
		args = append(args, "-N", strconv.Itoa(p.NumSeqs), "-o", EmittedFile, inputs[0])
		return Command{
			Binary:      "hmmemit",
			Args:        args,
			OutputFiles: []string{EmittedFile},
		}, nil
	}
	return Command{}, fmt.Errorf("%w: unknown tool %q", models.ErrValidation, tool)
}
