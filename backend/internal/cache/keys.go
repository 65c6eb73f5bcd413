package cache

import "fmt"

// 键语义：
// - rosterKey(docID): 文档在线查看者（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  userId -> username（Hash）
// - docsKey():        有过在线成员的文档集合（Set<docID>）
//
// {docID:%s} 作为 hash tag，保证同一文档的两个键在集群模式下落在同一 slot（Lua 脚本要求）

const (
	keyRosterFmt = "folio:viewers:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "folio:viewers:names:{docID:%s}" // Hash<userId -> username>
	keyDocsSet   = "folio:viewers:docs"             // Set<docID>
)

func rosterKey(docID string) string { return fmt.Sprintf(keyRosterFmt, docID) }
func namesKey(docID string) string  { return fmt.Sprintf(keyNamesFmt, docID) }
func docsKey() string               { return keyDocsSet }
