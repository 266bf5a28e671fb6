package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idSuffixLength = 9

// newJobID は dl_<UNIXミリ秒>_<英小文字数字9桁> 形式のIDを生成します。
func newJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("dl_%d_%s", now.UnixMilli(), suffix[:idSuffixLength])
}
