package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	ufsck "github.com/projectgnu/go-ufsck"
)

const fixturesCreatedAt = int32(1600000000)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	imagePath := fs.String("o", defaultImagePath(), "image path")
	legacy := fs.Bool("legacy", false, "use the legacy cylinder group format")
	verbose := fs.Bool("v", false, "log every divergence")
	_ = fs.Parse(os.Args[2:])

	params := fixtureParams(*legacy)

	switch cmd {
	case "generate":
		if err := runGenerate(*imagePath, params); err != nil {
			log.Fatalf("generate failed: %v", err)
		}
	case "check":
		if err := runCheck(*imagePath, params, newLogger(*verbose)); err != nil {
			log.Fatalf("check failed: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	prog := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "usage: %s [generate|check] [-o image] [-legacy] [-v]\n", prog)
}

func defaultImagePath() string {
	return filepath.Join(os.TempDir(), "ufs-fixture.img")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func fixtureParams(legacy bool) ufsck.Params {
	p := ufsck.Params{
		Size: 4*2048 + 1000, // short last group
		Time: fixturesCreatedAt,
	}

	if legacy {
		p.PostblFormat = ufsck.PostblLegacy
		p.Nrpos = 4
	}

	return p
}

// runGenerate builds the fixture image and prints its fingerprint.
func runGenerate(imagePath string, params ufsck.Params) error {
	_ = os.Remove(imagePath)

	img, err := buildFixture(imagePath, params)
	if err != nil {
		return err
	}

	if err := img.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}

	fingerprint, err := fixtureFingerprint(imagePath)
	if err != nil {
		return err
	}

	fmt.Printf("fixture image: %s\n", imagePath)
	fmt.Printf("fixture fingerprint (sha256 of \"size:filehash\"): %s\n", fingerprint)

	return nil
}

// runCheck builds the fixture, damages its allocation summaries, repairs
// them in preen mode and verifies the result is byte-identical to the
// undamaged image.
func runCheck(imagePath string, params ufsck.Params, logger *slog.Logger) error {
	_ = os.Remove(imagePath)
	defer func() { _ = os.Remove(imagePath) }()

	img, err := buildFixture(imagePath, params)
	if err != nil {
		return err
	}

	inodes := img.Builder().Inodes()
	blocks := img.Builder().Blocks()
	geo := img.Builder().Geometry()

	if err := img.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}

	want, err := fixtureFingerprint(imagePath)
	if err != nil {
		return err
	}

	if err := damage(imagePath, geo); err != nil {
		return err
	}

	img, err = ufsck.Open(ufsck.WithImagePath(imagePath))
	if err != nil {
		return fmt.Errorf("failed to open damaged image: %w", err)
	}

	report, err := img.Check(context.Background(), inodes, blocks,
		ufsck.WithPreen(true),
		ufsck.WithLogger(logger),
	)
	_ = img.Close()
	if err != nil {
		return fmt.Errorf("check of damaged image: %w", err)
	}

	for _, d := range report.Divergences {
		fmt.Println(d)
	}
	fmt.Printf("run %s: %s\n", report.RunID, report)

	if report.Status != ufsck.StatusRepaired {
		return fmt.Errorf("expected a repaired image, got %s", report.Status)
	}

	got, err := fixtureFingerprint(imagePath)
	if err != nil {
		return err
	}

	if got != want {
		log.Printf("ERROR: fingerprint mismatch: expected=%s actual=%s", want, got)
		return fmt.Errorf("repaired image differs from the original")
	}

	log.Printf("ok: repaired image matches original fingerprint (%s)", want)
	return nil
}

func buildFixture(imagePath string, params ufsck.Params) (*ufsck.Image, error) {
	img, err := ufsck.New(params, ufsck.WithImagePath(imagePath))
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}

	if err := populate(img.Builder()); err != nil {
		_ = img.Close()
		return nil, fmt.Errorf("fixture build failed: %w", err)
	}

	if err := img.Save(); err != nil {
		_ = img.Close()
		return nil, fmt.Errorf("Save failed: %w", err)
	}

	return img, nil
}

// populate allocates a handful of directories and files of mixed sizes.
func populate(b *ufsck.Builder) error {
	for i := 0; i < 3; i++ {
		if _, err := b.AllocInode(ufsck.InodeDirectory); err != nil {
			return err
		}
		if _, err := b.AllocFrags(1); err != nil {
			return err
		}
	}

	if _, err := b.AllocInode(ufsck.InodeDirectoryRef); err != nil {
		return err
	}

	sizes := []int{3, 8, 5, 2, 8, 8, 1, 7}
	for _, n := range sizes {
		if _, err := b.AllocInode(ufsck.InodeRegular); err != nil {
			return err
		}
		if _, err := b.AllocFrags(n); err != nil {
			return err
		}
	}

	return nil
}

// damage clears the free block count of the first cylinder group's
// summary entry and flips a bit in the last group's free map.
func damage(imagePath string, geo ufsck.Geometry) error {
	f, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open image %q: %w", imagePath, err)
	}
	defer f.Close()

	// struct csum: ndir, nbfree, nifree, nffree
	csOff := int64(geo.Csaddr)*int64(geo.Fsize) + 4
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, csOff); err != nil {
		return fmt.Errorf("failed to damage summary area: %w", err)
	}

	layout, err := ufsck.LayoutFor(geo)
	if err != nil {
		return err
	}

	cgOff := geo.GroupOffset(int(geo.Ncg) - 1)
	mapOff := cgOff + int64(layout.BlockMap.End()) - 1

	var buf [1]byte
	if _, err := f.ReadAt(buf[:], mapOff); err != nil {
		return fmt.Errorf("failed to read free map: %w", err)
	}

	buf[0] ^= 0x80
	if _, err := f.WriteAt(buf[:], mapOff); err != nil {
		return fmt.Errorf("failed to damage free map: %w", err)
	}

	return nil
}

func fixtureFingerprint(imagePath string) (string, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat image %q: %w", imagePath, err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image %q: %w", imagePath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash image %q: %w", imagePath, err)
	}

	fp := sha256.New()
	fmt.Fprintf(fp, "%d:%s", info.Size(), hex.EncodeToString(h.Sum(nil)))
	return hex.EncodeToString(fp.Sum(nil)), nil
}
