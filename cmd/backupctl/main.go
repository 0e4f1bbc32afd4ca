// Command backupctl is the minimal operator front end: init, backup,
// restore, list-files, list-versions, gc, audit, stats, each talking to a
// running backupd over the agent RPC client. Nothing here touches the
// catalog or block store directly except the fully local `init` and
// `audit` paths.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/killianrms/sauvegarde/internal/agent"
	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/chunker"
	"github.com/killianrms/sauvegarde/internal/crypto"
	"github.com/killianrms/sauvegarde/internal/delta"
	"github.com/killianrms/sauvegarde/internal/manifest"
	"github.com/killianrms/sauvegarde/internal/repo"
	"github.com/killianrms/sauvegarde/internal/retention"
	"github.com/killianrms/sauvegarde/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "init":
		return cmdInit(args[1:])
	case "audit":
		return cmdAudit(args[1:])
	case "backup":
		return cmdBackup(args[1:])
	case "restore":
		return cmdRestore(args[1:])
	case "list-files":
		return cmdListFiles(args[1:])
	case "list-versions":
		return cmdListVersions(args[1:])
	case "gc":
		return cmdGC(args[1:])
	case "stats":
		return cmdStats(args[1:])
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: backupctl <command> [args]

commands:
  init <repo-root>
  audit <repo-root> [--repair]
  backup <agent-addr> <local-path> <repo-path>
  restore <agent-addr> <repo-path> <version-id> <dest-path>
  list-files <agent-addr>
  list-versions <agent-addr> <repo-path>
  gc <agent-addr> <retention-seconds> [--dry-run]
  stats <agent-addr>`)
}

// passphrase resolves the repository passphrase: SAUVEGARDE_PASSPHRASE if
// set (scripts, service managers), otherwise a masked interactive prompt.
// Non-interactive runs with no env var fail fast rather than deriving a
// key from an empty passphrase.
func passphrase() ([]byte, error) {
	if p := os.Getenv("SAUVEGARDE_PASSPHRASE"); p != "" {
		return []byte(p), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("%w: SAUVEGARDE_PASSPHRASE is not set and stdin is not a terminal", apperrors.ErrConfig)
	}
	fmt.Fprint(os.Stderr, "repository passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: reading passphrase: %v", apperrors.ErrConfig, err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", apperrors.ErrConfig)
	}
	return p, nil
}

func cmdInit(args []string) int {
	if len(args) != 1 {
		usage()
		return 2
	}
	if err := repo.Init(args[0]); err != nil {
		return fail(err)
	}
	fmt.Println("repository initialized at", args[0])
	return 0
}

func cmdAudit(args []string) int {
	if len(args) < 1 || len(args) > 2 {
		usage()
		return 2
	}
	repair := len(args) == 2 && args[1] == "--repair"
	if len(args) == 2 && !repair {
		usage()
		return 2
	}

	pass, err := passphrase()
	if err != nil {
		return fail(err)
	}
	r, err := repo.Open(args[0], pass)
	if err != nil {
		return fail(err)
	}
	defer r.Close()

	if repair {
		// The BoltDB existence index is an accelerator cache, never
		// authoritative (internal/blockstore.Index's own doc comment);
		// rebuilding it from the filesystem before auditing clears any
		// staleness that would otherwise mask or fabricate findings.
		if err := r.Index.Rebuild(r.Blocks); err != nil {
			return fail(fmt.Errorf("rebuilding block index: %v", err))
		}
		fmt.Println("block index rebuilt from filesystem")
	}

	report, err := retention.Audit(r.Catalog, r.Blocks)
	if err != nil {
		return fail(err)
	}
	for _, h := range report.OrphanBlocks {
		fmt.Printf("orphan block: %x\n", h)
	}

	violations := report.IntegrityViolations
	if repair && len(violations) > 0 {
		repaired, remaining, err := retention.Repair(r.Blocks, r.Parity, violations)
		if err != nil {
			return fail(err)
		}
		for _, h := range repaired {
			fmt.Printf("repaired from parity: %x\n", h)
		}
		for _, h := range remaining {
			fmt.Printf("integrity violation (unrepaired): %x\n", h)
		}
		violations = remaining
	} else {
		for _, h := range violations {
			fmt.Printf("integrity violation: %x\n", h)
		}
	}

	if len(violations) > 0 {
		return apperrors.ExitCode(apperrors.ErrIntegrityViolation)
	}
	return 0
}

func dial(ctx context.Context, addr string) (*agent.Client, error) {
	conn, err := transport.Dial(ctx, addr, transport.ClientTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportError, err)
	}
	return agent.NewClient(conn), nil
}

func cmdBackup(args []string) int {
	if len(args) != 3 {
		usage()
		return 2
	}
	addr, localPath, repoPath := args[0], args[1], args[2]

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	client, err := dial(ctx, addr)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	m, err := repoManifest()
	if err != nil {
		return fail(err)
	}
	pass, err := passphrase()
	if err != nil {
		return fail(err)
	}
	key := crypto.DeriveKey(pass, m.KDFSalt, m.KDFIterations)
	c := chunker.New(chunker.Params{Window: m.Window, Min: m.MinChunkSize, Avg: m.AvgChunkSize, Max: m.MaxChunkSize})
	engine := delta.New(client, key, c, delta.DefaultWindow)

	f, err := os.Open(localPath)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", apperrors.ErrConfig, err))
	}
	defer f.Close()

	versionID, err := engine.CommitFile(ctx, repoPath, f, catalog.ActionModified)
	if err != nil {
		return fail(err)
	}
	fmt.Println("committed version", versionID)
	return 0
}

func cmdRestore(args []string) int {
	if len(args) != 4 {
		usage()
		return 2
	}
	addr, repoPath, versionStr, dest := args[0], args[1], args[2], args[3]
	versionID, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return fail(fmt.Errorf("%w: invalid version id: %v", apperrors.ErrConfig, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	client, err := dial(ctx, addr)
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	chunks, err := client.Restore(ctx, repoPath, versionID)
	if err != nil {
		return fail(err)
	}

	m, err := repoManifest()
	if err != nil {
		return fail(err)
	}
	pass, err := passphrase()
	if err != nil {
		return fail(err)
	}
	key := crypto.DeriveKey(pass, m.KDFSalt, m.KDFIterations)
	sealed := make([]delta.SealedChunk, len(chunks))
	for i, c := range chunks {
		sealed[i] = delta.SealedChunk{Sequence: c.Sequence, Record: c.Record, Hash: c.Hash}
	}
	plaintext, err := delta.Reassemble(key, sealed)
	if err != nil {
		return fail(err)
	}
	if err := os.WriteFile(dest, plaintext, 0o644); err != nil {
		return fail(fmt.Errorf("%w: %v", apperrors.ErrConfig, err))
	}
	fmt.Println("restored", len(plaintext), "bytes to", dest)
	return 0
}

func cmdListFiles(args []string) int {
	if len(args) != 1 {
		usage()
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := dial(ctx, args[0])
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	files, err := client.ListFiles(ctx)
	if err != nil {
		return fail(err)
	}
	for _, f := range files {
		fmt.Printf("%s\t%s\t%d\n", f.Path, f.LastAction, f.CurrentSize)
	}
	return 0
}

func cmdListVersions(args []string) int {
	if len(args) != 2 {
		usage()
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := dial(ctx, args[0])
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	versions, err := client.ListVersions(ctx, args[1])
	if err != nil {
		return fail(err)
	}
	for _, v := range versions {
		fmt.Printf("%d\t%s\t%d\t%d\n", v.VersionID, v.Action, v.Timestamp, v.PlainSize)
	}
	return 0
}

func cmdGC(args []string) int {
	if len(args) < 2 {
		usage()
		return 2
	}
	retentionSeconds, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fail(fmt.Errorf("%w: invalid retention seconds: %v", apperrors.ErrConfig, err))
	}
	dryRun := len(args) > 2 && args[2] == "--dry-run"

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	client, err := dial(ctx, args[0])
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	result, err := client.GC(ctx, retentionSeconds, dryRun)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("expired_versions=%d freed_blocks=%d freed_bytes=%d\n", result.ExpiredVersions, result.FreedBlocks, result.FreedBytes)
	return 0
}

func cmdStats(args []string) int {
	if len(args) != 1 {
		usage()
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := dial(ctx, args[0])
	if err != nil {
		return fail(err)
	}
	defer client.Close()

	stats, err := client.Stats(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("files=%d versions=%d chunks=%d stored_bytes=%d\n", stats.FileCount, stats.VersionCount, stats.ChunkCount, stats.TotalStoredBytes)
	return 0
}

// repoManifest reads the repository manifest named by SAUVEGARDE_REPO. The
// client needs it for the KDF salt/iterations and the chunker parameters —
// both are part of the on-disk repository format, so deriving a key or
// chunking against compile-time defaults would silently produce a
// repository-incompatible commit. A real front-end would resolve the repo
// root from its own config; an env var is the minimal stand-in.
func repoManifest() (*manifest.Manifest, error) {
	root := os.Getenv("SAUVEGARDE_REPO")
	if root == "" {
		return nil, fmt.Errorf("%w: SAUVEGARDE_REPO must name the repository root", apperrors.ErrConfig)
	}
	return manifest.Read(root)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error [%s]: %v\n", apperrors.Kind(err), err)
	return apperrors.ExitCode(err)
}
