package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Stream は ffprobe が報告する映像ストリームの情報です。
type Stream struct {
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ProbeResult は ffprobe の JSON 出力です。
type ProbeResult struct {
	Streams []Stream `json:"streams"`
}

// Prober はメディアファイルのストリーム情報を取得します。
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// FFProbe は ffprobe 実行ファイルを使う Prober です。
type FFProbe struct {
	path string
}

// NewFFProbe は FFProbe を作成します。
func NewFFProbe(path string) *FFProbe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFProbe{path: path}
}

// Probe は先頭の映像ストリームを問い合わせます。
func (f *FFProbe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.path,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,codec_name",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &result, nil
}
