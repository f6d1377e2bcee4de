package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>mcpfleet</title>
<style>
  :root {
    --bg: #0d1117;
    --surface: #161b22;
    --surface-hover: #1c2129;
    --border: #30363d;
    --text: #e6edf3;
    --text-dim: #8b949e;
    --accent: #58a6ff;
    --green: #3fb950;
    --yellow: #d29922;
    --red: #f85149;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Helvetica, Arial, sans-serif;
    background: var(--bg);
    color: var(--text);
    font-size: 14px;
    line-height: 1.5;
    padding: 16px;
  }
  header {
    display: flex;
    align-items: center;
    justify-content: space-between;
    margin-bottom: 16px;
    padding-bottom: 12px;
    border-bottom: 1px solid var(--border);
  }
  header h1 { font-size: 20px; font-weight: 600; }
  header h1 span { color: var(--accent); }
  .meta { font-size: 12px; color: var(--text-dim); }
  .meta .live { color: var(--green); }
  .settings { display: flex; align-items: center; gap: 10px; font-size: 12px; color: var(--text-dim); }
  .settings select {
    background: var(--surface);
    color: var(--text);
    border: 1px solid var(--border);
    border-radius: 6px;
    padding: 2px 6px;
  }

  .card {
    background: var(--surface);
    border: 1px solid var(--border);
    border-radius: 8px;
    overflow: hidden;
    margin-bottom: 16px;
  }
  .card-header {
    padding: 10px 14px;
    border-bottom: 1px solid var(--border);
    font-weight: 600;
    font-size: 13px;
    text-transform: uppercase;
    letter-spacing: 0.5px;
    color: var(--text-dim);
    display: flex;
    align-items: center;
    gap: 6px;
  }
  .card-header .count {
    font-size: 11px;
    background: var(--border);
    padding: 1px 6px;
    border-radius: 10px;
    margin-left: auto;
  }

  table { width: 100%; border-collapse: collapse; }
  th {
    text-align: left;
    padding: 8px 14px;
    font-size: 11px;
    font-weight: 600;
    color: var(--text-dim);
    text-transform: uppercase;
    letter-spacing: 0.5px;
    border-bottom: 1px solid var(--border);
  }
  td {
    padding: 8px 14px;
    border-bottom: 1px solid var(--border);
    font-size: 13px;
    vertical-align: top;
  }
  tr:last-child td { border-bottom: none; }
  tr:hover { background: var(--surface-hover); }
  .mono { font-family: monospace; font-size: 12px; }
  .dim { color: var(--text-dim); font-size: 12px; }
  .err { color: var(--red); font-size: 12px; }
  .empty { padding: 14px; color: var(--text-dim); font-style: italic; }

  .badge {
    display: inline-block;
    padding: 2px 8px;
    border-radius: 12px;
    font-size: 11px;
    font-weight: 600;
    text-transform: uppercase;
    letter-spacing: 0.3px;
  }
  .badge.running { background: #0d2818; color: var(--green); }
  .badge.starting { background: #1f2d3d; color: var(--accent); }
  .badge.stopping { background: #2a1f0d; color: var(--yellow); }
  .badge.stopped { background: var(--border); color: var(--text-dim); }
  .badge.failed { background: #2d1a1a; color: var(--red); }

  .btn {
    font-size: 12px;
    font-weight: 600;
    padding: 4px 12px;
    border-radius: 6px;
    border: 1px solid var(--border);
    cursor: pointer;
    transition: background 0.15s, border-color 0.15s;
  }
  .btn:disabled { opacity: 0.5; cursor: not-allowed; }
  .btn-primary { background: #0c2d6b; color: var(--accent); border-color: #1a3f7a; }
  .btn-primary:hover { background: #163d8c; border-color: var(--accent); }
  .btn-warning { background: #1a1500; color: var(--yellow); border-color: #3d3000; }
  .btn-warning:hover { background: #2a2200; border-color: var(--yellow); }
  .btn-danger { background: #21090d; color: var(--red); border-color: #49282c; }
  .btn-danger:hover { background: #31111a; border-color: var(--red); }
</style>
</head>
<body>
<header>
  <div>
    <h1><span>mcp</span>fleet</h1>
    <div class="meta"><span id="summary">-</span></div>
  </div>
  <div class="settings">
    <label>Refresh:
      <select id="interval" onchange="setInterval_()">
        <option value="2000">2s</option>
        <option value="5000" selected>5s</option>
        <option value="10000">10s</option>
        <option value="0">Off</option>
      </select>
    </label>
    <button class="btn btn-primary" id="reload-btn" onclick="reloadConfig()">Reload Config</button>
    <span class="meta">Updated: <span id="updated" class="live">-</span></span>
  </div>
</header>

<div class="card">
  <div class="card-header">&#9881; Servers <span class="count" id="servers-count">0</span></div>
  <div id="servers"></div>
</div>

<div class="card">
  <div class="card-header">&#128220; Events <span class="count" id="events-count">0</span></div>
  <div id="events"></div>
</div>

<script>
let timer = null;
let refreshMs = 5000;

function setInterval_() {
  refreshMs = parseInt(document.getElementById('interval').value);
  if (timer) clearInterval(timer);
  if (refreshMs > 0) timer = setInterval(refresh, refreshMs);
}

function esc(s) {
  if (s === undefined || s === null) return '';
  const d = document.createElement('div');
  d.textContent = String(s);
  return d.innerHTML;
}

function renderServers(data) {
  const el = document.getElementById('servers');
  const servers = data.servers || [];
  document.getElementById('servers-count').textContent = servers.length;
  document.getElementById('summary').textContent = data.running + ' of ' + servers.length + ' running';
  if (servers.length === 0) {
    el.innerHTML = '<div class="empty">No servers configured</div>';
    return;
  }
  let html = '<table><tr><th>Name</th><th>State</th><th>PID</th><th>Command</th><th>Tools</th><th>Uptime</th><th></th></tr>';
  for (const s of servers) {
    html += '<tr>' +
      '<td><strong>' + esc(s.name) + '</strong>' + (s.last_error ? '<div class="err">' + esc(s.last_error) + '</div>' : '') + '</td>' +
      '<td><span class="badge ' + esc(s.state) + '">' + esc(s.state) + '</span></td>' +
      '<td class="mono">' + (s.pid || '-') + '</td>' +
      '<td class="mono">' + esc(s.command) + '</td>' +
      '<td title="' + esc((s.tools || []).join(', ')) + '">' + s.tool_count + '</td>' +
      '<td class="dim">' + esc(s.uptime || s.started || '-') + '</td>' +
      '<td><button class="btn btn-warning" onclick="act(\'' + encodeURIComponent(s.name) + '\', \'restart\', this)">Restart</button> ' +
      '<button class="btn btn-danger" onclick="act(\'' + encodeURIComponent(s.name) + '\', \'stop\', this)">Stop</button></td>' +
      '</tr>';
  }
  el.innerHTML = html + '</table>';
}

function renderEvents(events) {
  const el = document.getElementById('events');
  document.getElementById('events-count').textContent = events.length;
  if (events.length === 0) {
    el.innerHTML = '<div class="empty">No events recorded</div>';
    return;
  }
  let html = '<table><tr><th>When</th><th>Server</th><th>Event</th><th>Detail</th></tr>';
  for (const e of events) {
    let detail = e.state ? e.state : '';
    if (e.type === 'process_exited') detail = e.signal ? 'signal ' + e.signal : 'exit code ' + e.exit_code;
    if (e.tool) detail = e.tool;
    html += '<tr><td class="dim">' + esc(e.age) + '</td><td>' + esc(e.server) + '</td>' +
      '<td class="mono">' + esc(e.type) + '</td><td>' + esc(detail) +
      (e.error ? '<div class="err">' + esc(e.error) + '</div>' : '') + '</td></tr>';
  }
  el.innerHTML = html + '</table>';
}

async function refresh() {
  try {
    const resp = await fetch('/api/servers');
    if (!resp.ok) return;
    renderServers(await resp.json());
    const evResp = await fetch('/api/events?limit=30');
    if (evResp.ok) {
      renderEvents((await evResp.json()).events || []);
    } else {
      document.getElementById('events').innerHTML = '<div class="empty">Event journal disabled</div>';
    }
    document.getElementById('updated').textContent = new Date().toLocaleTimeString();
  } catch (e) {
    document.getElementById('updated').textContent = 'error';
    document.getElementById('updated').style.color = 'var(--red)';
    setTimeout(() => { document.getElementById('updated').style.color = ''; }, 2000);
  }
}

async function act(name, action, btn) {
  btn.disabled = true;
  try {
    const resp = await fetch('/api/servers/' + name + '/' + action, { method: 'POST' });
    const data = await resp.json();
    if (!resp.ok) alert(action + ' failed: ' + (data.error || resp.status));
  } catch (e) {
    alert(action + ' failed: ' + e);
  } finally {
    btn.disabled = false;
    refresh();
  }
}

async function reloadConfig() {
  const btn = document.getElementById('reload-btn');
  btn.disabled = true;
  btn.textContent = 'Reloading...';
  try {
    const resp = await fetch('/api/reload', { method: 'POST' });
    const data = await resp.json();
    if (!resp.ok) alert('Reload failed: ' + (data.error || resp.status));
  } catch (e) {
    alert('Reload failed: ' + e);
  } finally {
    btn.textContent = 'Reload Config';
    btn.disabled = false;
    refresh();
  }
}

refresh();
timer = setInterval(refresh, refreshMs);
</script>
</body>
</html>`
