// Package resolver adapts an external yt-dlp binary into the
// player.Resolver contract for hosts a decoder cannot consume directly.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// YTDLP resolves YouTube, SoundCloud, and (via title search) Spotify URLs
// to a decoder-consumable input by shelling out to yt-dlp.
type YTDLP struct {
	Path string

	// AllowSpotifyTitleSearch enables the title-search fallback for
	// open.spotify.com URLs: yt-dlp extracts the page title, then a
	// best-effort YouTube search substitutes for the actual track. Off by
	// default since it returns a different recording, not the original.
	AllowSpotifyTitleSearch bool
}

// New constructs a YTDLP resolver. path defaults to "yt-dlp" if empty.
func New(path string, allowSpotifyTitleSearch bool) *YTDLP {
	if path == "" {
		path = "yt-dlp"
	}
	return &YTDLP{Path: path, AllowSpotifyTitleSearch: allowSpotifyTitleSearch}
}

// Resolve implements player.Resolver. The returned tempPath, when
// non-empty, names a file the caller now owns and must eventually remove.
func (r *YTDLP) Resolve(ctx context.Context, uri string) (resolvedInput, tempPath string, err error) {
	h := host(uri)
	switch {
	case strings.Contains(h, "youtube.com") || h == "youtu.be":
		path, err := r.downloadToTemp(ctx, uri, "bestaudio[ext=m4a]/bestaudio/best", ".m4a")
		if err != nil {
			return "", "", fmt.Errorf("resolve youtube url: %w", err)
		}
		return path, path, nil

	case strings.Contains(h, "soundcloud.com"):
		path, dlErr := r.downloadMP3(ctx, uri)
		if dlErr == nil {
			return path, path, nil
		}
		if direct, capErr := r.runCapture(ctx, "--no-playlist", "-g", uri); capErr == nil && direct != "" {
			return direct, "", nil
		}
		return "", "", fmt.Errorf("resolve soundcloud url: %w", dlErr)

	case strings.Contains(h, "spotify.com"):
		if !r.AllowSpotifyTitleSearch {
			return "", "", fmt.Errorf("spotify resolution requires title-search to be enabled")
		}
		title, capErr := r.runCapture(ctx, "-e", uri)
		if capErr != nil || title == "" {
			return "", "", fmt.Errorf("resolve spotify title: %w", capErr)
		}
		path, err := r.downloadToTemp(ctx, "ytsearch1:"+title, "bestaudio[ext=m4a]/bestaudio/best", ".m4a")
		if err != nil {
			return "", "", fmt.Errorf("resolve spotify search: %w", err)
		}
		return path, path, nil

	default:
		return "", "", fmt.Errorf("no resolution strategy for host %q", h)
	}
}

func (r *YTDLP) downloadToTemp(ctx context.Context, input, format, suffix string) (string, error) {
	outPath := tempPath(suffix)
	cmd := exec.CommandContext(ctx, r.Path, "--no-playlist", "-f", format, "-o", outPath, input)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("yt-dlp: %w", err)
	}
	if err := checkNonEmpty(outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (r *YTDLP) downloadMP3(ctx context.Context, input string) (string, error) {
	outPath := tempPath(".mp3")
	cmd := exec.CommandContext(ctx, r.Path, "--no-playlist", "-x", "--audio-format", "mp3", "-o", outPath, input)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("yt-dlp: %w", err)
	}
	if err := checkNonEmpty(outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (r *YTDLP) runCapture(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Path, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func checkNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat downloaded file: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("yt-dlp produced an empty file")
	}
	return nil
}

func tempPath(suffix string) string {
	return filepath.Join(os.TempDir(), "resonix_"+uuid.New().String()+suffix)
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
