package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>AuthRecall</title>
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
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
      box-shadow: var(--shadow);
    }
    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    .controls { display: flex; gap: 10px; margin-top: 12px; flex-wrap: wrap; }
    .controls input {
      flex: 1 1 240px;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px 12px;
    }
    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #ffffff;
    }
    button.danger { background: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--line); }
    th { text-transform: uppercase; letter-spacing: 0.08em; font-size: 0.7rem; color: var(--muted); }
    .feed { list-style: none; margin: 0; padding: 0; display: grid; gap: 6px; max-height: 240px; overflow: auto; }
    .feed li { border-left: 4px solid var(--accent); padding: 6px 8px; background: #fffcf7; font-size: 0.85rem; }
    .status { font-size: 0.85rem; color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>AuthRecall</h1>
      <div class="sub">Which account did you sign in with?</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (if required)" />
        <input id="filter" type="search" placeholder="Filter domains" />
        <button id="sync" type="button">Sync Now</button>
        <button id="bidi" type="button">Pull &amp; Push</button>
      </div>
      <div class="status" id="status">loading...</div>
    </div>
    <div class="panel">
      <table>
        <thead><tr><th>Domain</th><th>Email</th><th>Last Used</th><th></th></tr></thead>
        <tbody id="rows"></tbody>
      </table>
    </div>
    <div class="panel">
      <ul class="feed" id="feed"></ul>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        filter: document.getElementById("filter"),
        rows: document.getElementById("rows"),
        feed: document.getElementById("feed"),
        status: document.getElementById("status"),
      };
      let accounts = {};

      function headers() {
        const h = { "Content-Type": "application/json" };
        if (dom.token.value) {
          h["Authorization"] = "Bearer " + dom.token.value;
        }
        return h;
      }

      async function request(method, path) {
        const resp = await fetch(path, { method: method, headers: headers() });
        const body = await resp.json();
        if (!resp.ok) {
          throw new Error(body.message || resp.statusText);
        }
        return body;
      }

      function render() {
        const q = dom.filter.value.toLowerCase();
        dom.rows.innerHTML = "";
        Object.keys(accounts).sort().filter((d) => d.indexOf(q) !== -1).forEach((domain) => {
          const rec = accounts[domain];
          const tr = document.createElement("tr");
          [domain, rec.email, rec.lastUsed ? new Date(rec.lastUsed).toLocaleString() : "-"].forEach((text) => {
            const td = document.createElement("td");
            td.textContent = text;
            tr.appendChild(td);
          });
          const td = document.createElement("td");
          const del = document.createElement("button");
          del.className = "danger";
          del.textContent = "Delete";
          del.addEventListener("click", async function () {
            await request("DELETE", "/v1/accounts/" + encodeURIComponent(domain));
            refresh();
          });
          td.appendChild(del);
          tr.appendChild(td);
          dom.rows.appendChild(tr);
        });
      }

      async function refresh() {
        try {
          const body = await request("GET", "/v1/accounts");
          accounts = body.accounts || {};
          render();
          dom.status.textContent = Object.keys(accounts).length + " accounts";
        } catch (err) {
          dom.status.textContent = String(err.message || err);
        }
      }

      async function command(path) {
        dom.status.textContent = "syncing...";
        try {
          const result = await request("POST", path);
          dom.status.textContent = result.success ? "synced " + (result.synced || 0) : (result.error || "failed");
          refresh();
        } catch (err) {
          dom.status.textContent = String(err.message || err);
        }
      }

      function listen() {
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        let url = scheme + window.location.host + "/v1/events/ws";
        if (dom.token.value) {
          url += "?access_token=" + encodeURIComponent(dom.token.value);
        }
        const ws = new WebSocket(url);
        ws.onmessage = function (msg) {
          const notice = JSON.parse(msg.data);
          const li = document.createElement("li");
          li.textContent = new Date().toLocaleTimeString() + " " + notice.type + (notice.domain ? " " + notice.domain : "");
          dom.feed.prepend(li);
          refresh();
        };
        ws.onclose = function () { setTimeout(listen, 5000); };
      }

      dom.filter.addEventListener("input", render);
      dom.token.addEventListener("change", function () {
        window.localStorage.setItem("authrecall_token", dom.token.value);
        refresh();
      });
      document.getElementById("sync").addEventListener("click", function () { command("/v1/sync"); });
      document.getElementById("bidi").addEventListener("click", function () { command("/v1/sync/bidirectional"); });

      dom.token.value = window.localStorage.getItem("authrecall_token") || "";
      refresh();
      listen();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
