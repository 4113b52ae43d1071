package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	ffs "github.com/pilat/go-ffs"
)

const (
	fixtureSizeMB     = 64
	fixturesCreatedAt = int64(1600000000)
)

// fixtureID makes the superblock identifier, and so the whole image,
// reproducible.
var fixtureID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/pilat/go-ffs/fixtures"))

var log = logrus.New()

func main() {
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	out := fs.String("o", defaultImagePath(), "image file to write")
	scenario := fs.String("scenario", "clean", "damage to apply: "+scenarioNames())
	expect := fs.String("expect", "", "expected fingerprint of the clean fixture")
	_ = fs.Parse(os.Args[2:])

	switch cmd {
	case "generate":
		if err := runGenerate(*out, *scenario); err != nil {
			log.Fatalf("generate failed: %v", err)
		}
	case "check":
		if err := runCheck(*expect); err != nil {
			log.Fatalf("check failed: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	prog := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "usage: %s [generate|check] [-o image] [-scenario name] [-expect fingerprint]\n", prog)
}

// runGenerate writes the fixture, damaged as scenario says, and leaves it
// on disk for fsck_ffs.
func runGenerate(imagePath, scenario string) error {
	damage, ok := scenarios[scenario]
	if !ok {
		return fmt.Errorf("unknown scenario %q (have %s)", scenario, scenarioNames())
	}

	size, fileHash, err := buildAndHashFixture(imagePath, damage)
	if err != nil {
		return err
	}

	fmt.Printf("fixture: %s (scenario %s)\n", imagePath, scenario)
	fmt.Printf("fixture size: %d bytes\n", size)
	fmt.Printf("fixture file sha256: %s\n", fileHash)
	fmt.Printf("fixture fingerprint (sha256 of \"size:filehash\"): %s\n", fixtureFingerprint(size, fileHash))
	return nil
}

// runCheck builds the clean fixture twice, requires both builds to be
// identical and the checker to find nothing wrong.
func runCheck(expect string) error {
	imagePath := defaultImagePath()
	defer func() { _ = os.Remove(imagePath) }()

	var prints [2]string
	for i := range prints {
		size, fileHash, err := buildAndHashFixture(imagePath, nil)
		if err != nil {
			return err
		}
		prints[i] = fixtureFingerprint(size, fileHash)
	}
	if prints[0] != prints[1] {
		return fmt.Errorf("fixture is not reproducible: %s != %s", prints[0], prints[1])
	}
	if expect != "" && prints[0] != expect {
		log.Errorf("fingerprint mismatch: expected=%s actual=%s", expect, prints[0])
		return fmt.Errorf("fixture does not match expected fingerprint")
	}

	dev, err := ffs.OpenDevice(imagePath, true)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	res, err := ffs.NewChecker(dev, ffs.WithNoWrite(), ffs.WithForce(), ffs.WithLogger(log)).Run()
	if err != nil {
		return fmt.Errorf("checker failed on fixture: %w", err)
	}
	if defects := res.Defects(); len(defects) > 0 {
		for _, d := range defects {
			log.Errorf("unexpected defect: %s", d)
		}
		return fmt.Errorf("fixture has %d defects", len(defects))
	}

	log.Infof("ok: fixture %s is reproducible and clean (%s)", prints[0], res.Summary)
	return nil
}

func defaultImagePath() string {
	return filepath.Join(os.TempDir(), "ffs-full-features.img")
}

func buildAndHashFixture(imagePath string, damage func(*ffs.Image, *fixture) error) (uint64, string, error) {
	// Ensure no stale file
	_ = os.Remove(imagePath)

	img, err := ffs.New(
		ffs.WithImagePath(imagePath),
		ffs.WithSizeInMB(fixtureSizeMB),
		ffs.WithCreatedAt(fixturesCreatedAt),
		ffs.WithFilesystemID(fixtureID),
		ffs.WithUFS2(),
		ffs.WithQuota(true, true),
		ffs.WithJournal(1<<20, false),
	)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create image: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = img.Close()
		}
	}()

	fx, err := buildFullFeaturesFixture(img)
	if err != nil {
		return 0, "", fmt.Errorf("fixture build failed: %w", err)
	}

	if err := img.Save(); err != nil {
		return 0, "", fmt.Errorf("Save failed: %w", err)
	}

	if damage != nil {
		if err := damage(img, fx); err != nil {
			return 0, "", fmt.Errorf("damaging fixture failed: %w", err)
		}
	}

	closed = true
	if err := img.Close(); err != nil {
		return 0, "", err
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to stat image %q: %w", imagePath, err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open image %q: %w", imagePath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, "", fmt.Errorf("failed to hash image %q: %w", imagePath, err)
	}

	sum := h.Sum(nil)
	return uint64(info.Size()), hex.EncodeToString(sum), nil
}

func fixtureFingerprint(size uint64, fileHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s", size, fileHash)
	return hex.EncodeToString(h.Sum(nil))
}
