// Package stream holds shared broker vocabulary: partition naming and
// the partition pattern grammar used by Subscribe.
package stream

import "strings"

// MatchPartition reports whether a subscription pattern covers a
// partition key. "*" matches everything; a trailing "*" matches by
// prefix ("inventory:*" covers every tenant in the inventory
// category); anything else is a literal key.
func MatchPartition(pattern, partition string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(partition, pattern[:len(pattern)-1])
	}
	return pattern == partition
}
