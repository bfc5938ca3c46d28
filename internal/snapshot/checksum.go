package snapshot

// ============================================================================
// 校驗和計算
// 職責：計算與驗證快照中任務陣列的 CRC32 校驗和
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"hash/crc32"

	"github.com/cockroachdb/errors"
)

// CalculateChecksum 計算任務陣列 JSON 的 CRC32 校驗和
//
// 演算法：
//   - 先將 JSON 壓縮成緊湊格式，排除縮排與空白造成的差異
//   - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(rawJobs []byte) (uint32, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, rawJobs); err != nil {
		return 0, errors.Wrap(err, "compact jobs")
	}
	return crc32.ChecksumIEEE(compact.Bytes()), nil
}

// VerifyChecksum 驗證任務陣列的校驗和
//
// 回傳：
//
//	bool - true 表示校驗和正確；JSON 本身無法解析時也回傳 false
func VerifyChecksum(rawJobs []byte, want uint32) bool {
	got, err := CalculateChecksum(rawJobs)
	if err != nil {
		return false
	}
	return got == want
}
