package consensus

// 一轮提案（proposer视角）
//
//   CAST_VOTE
//      |
//      v
//  +--------+   读tip（持锁）   +--------+   不持锁
//  |  tip   | ---------------> |  Mine  | ------+
//  +--------+                  +--------+       |
//                                               v
//                                  ListPeers 快照 peers
//                                               |
//                                  ballots.Open(block, peers)
//                                               |
//                                  Broadcast NEW_BLOCK -> peers
//                                               |
//                                  ballots.Wait（默认无超时）
//                                     |                  |
//                          全部accept |                  | 任一reject / 超时
//                                     v                  v
//                          chain.Append           Broadcast BLOCK_REJECT
//                          EventCommit            EventReject
//
// 接收方：
//	- NEW_BLOCK    prev_hash == tip 时追加，回复 BLOCK_STATUS
//	- BLOCK_STATUS 写入票箱，同一节点只记第一票
//	- BLOCK_REJECT 只在尾部区块id相同时回退
//	- REQ_CHAIN    回复 RECV_CHAIN
//	- RECV_CHAIN   本地链为空时整体替换
