package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="ru">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>LeadBridge</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }
    h1, h2 { margin: 0 0 10px; }
    .row { display: flex; gap: 10px; align-items: center; flex-wrap: wrap; }
    input { flex: 1; min-width: 240px; padding: 8px 10px; border: 1px solid var(--line); border-radius: 10px; }
    button { padding: 8px 14px; border: 0; border-radius: 10px; background: var(--accent); color: #fff; cursor: pointer; }
    table { width: 100%; border-collapse: collapse; font-size: 0.92rem; }
    td, th { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .muted { color: var(--muted); }
    .bad { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>LeadBridge</h1>
      <div class="row">
        <input id="token" type="password" placeholder="admin token" />
        <button id="connect">Connect</button>
        <span id="status" class="muted">idle</span>
      </div>
    </div>
    <div class="card">
      <h2>Tables</h2>
      <table><tbody id="tables"></tbody></table>
      <p class="muted" id="summary"></p>
    </div>
    <div class="card">
      <h2>Events</h2>
      <table>
        <thead><tr><th>At</th><th>Route</th><th>Variant</th><th>Status</th><th>Message</th></tr></thead>
        <tbody id="events"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        status: document.getElementById("status"),
        tables: document.getElementById("tables"),
        summary: document.getElementById("summary"),
        events: document.getElementById("events"),
      };
      let socket = null;
      let timer = null;

      function cell(text, cls) {
        const td = document.createElement("td");
        td.textContent = text;
        if (cls) { td.className = cls; }
        return td;
      }

      async function refresh() {
        const response = await fetch(window.location.origin + "/admin/tables", {
          headers: { "Authorization": "Bearer " + dom.token.value.trim() },
        });
        const data = await response.json();
        if (!response.ok) {
          throw new Error((data.code || "error") + ": " + (data.message || response.statusText));
        }
        dom.tables.replaceChildren();
        Object.keys(data.tables || {}).sort().forEach(function (name) {
          const tr = document.createElement("tr");
          tr.append(cell(name), cell(String(data.tables[name])));
          dom.tables.append(tr);
        });
        dom.summary.textContent = "pending merge: " + (data.pendingMerge || "none") +
          ", last billing id: " + (data.lastBillingId || "none") +
          ", due follow-ups: " + data.dueTasks;
      }

      function openFeed() {
        if (socket) { socket.close(); }
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/admin/events?token=" + encodeURIComponent(dom.token.value.trim()));
        socket.onopen = function () { dom.status.textContent = "live"; };
        socket.onclose = function () { dom.status.textContent = "disconnected"; };
        socket.onmessage = function (msg) {
          const ev = JSON.parse(msg.data);
          const tr = document.createElement("tr");
          tr.append(cell(ev.at), cell(ev.route), cell(ev.variant), cell(String(ev.status), ev.status >= 400 ? "bad" : ""), cell(ev.message));
          dom.events.prepend(tr);
          while (dom.events.children.length > 200) { dom.events.lastChild.remove(); }
          refresh().catch(function () {});
        };
      }

      dom.connect.addEventListener("click", function () {
        refresh().then(function () {
          openFeed();
          clearInterval(timer);
          timer = setInterval(function () { refresh().catch(function () {}); }, 15000);
        }).catch(function (err) {
          dom.status.textContent = String(err.message || err);
        });
      });
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
