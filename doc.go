// Package sessionrelay 提供一個無持久化的即時房間中繼服務。
//
// 客戶端透過 WebSocket 加入某個 app 底下的 roomRoot，
// 服務器自動分配到具體房間（例如 whiteboard_team0、whiteboard_team1），
// 並在房間成員之間轉發屬性更新。
//
// # 房間分配
//
// 每個 roomRoot 維護一組依序編號的房間：
//   - maxPeople：每間房的人數上限；0 時 fill 為 true 全部進最新房間，
//     fill 為 false 每人各開一間
//   - fill：有人離開後，新加入者能否補進舊房間
//   - 房間清空後標記為墓碑，仍佔住編號
//   - 同一 roomRoot 的房間全部清空時，列表重置，編號從 0 重新開始
//
// # 狀態同步
//
// 房間內保存三份狀態，全部在記憶體中：
//   - current：每位成員合併後的最新屬性
//   - last：每個屬性的最後寫入者，成員離開後仍保留
//   - history：只追加的字串
//
// 新成員加入時收到完整快照（不含自己），之後可隨時以 sync 事件重新同步。
//
// # WebSocket 協定
//
// 所有訊框為 JSON：{"event": "...", "data": ..., "type": "..."}
//
// 客戶端事件：
//   - join：{"appName", "roomName", "maxPeople", "fill", "initObj"}
//   - message：任意屬性物件，廣播給房間其他成員
//   - time、sync、history、clearhistory
//
// 伺服器事件：
//   - join、time、sync：對應請求的回覆
//   - receive：其他成員的更新，type 為 join 或 message
//   - otherleave：其他成員離開，data 為其連線 ID
//
// 尚未加入房間的連線送出需要房間的事件時，伺服器不回覆。
//
// # HTTP 端點
//
//   - GET /ws：WebSocket 握手
//   - GET /api/v1/apps、/api/v1/apps/{app}：房間概況
//   - GET /api/v1/time：與 time 事件相同
//   - GET /health、/stats、/metrics
//
// # 配置選項
//
// 載入順序為預設值、YAML 檔、.env、ZIM_ 前綴的環境變數：
//   - -config：YAML 配置檔路徑
//   - -port：服務監聽端口（預設 7010，也接受 PORT 環境變數）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml
package sessionrelay
