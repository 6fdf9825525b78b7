package config

// ExampleYAML is written by "termsync init".
const ExampleYAML = `logging:
  level: info
  console: true
  file:
    enabled: false
    path: ./logs/termsync.log

scheduler:
  enabled: true
  schedule: "*/15 * * * *"
  timezone: Europe/Berlin

job:
  name: synchron-sync
  kind: sync          # or "exec" with script below
  timeout: 10m
  overlap: skip       # or "queue"
  lease:
    ttl: 2m
    wait: 5m
  # kind: exec example:
  # checkout:
  #   args: [git, clone, --depth, "1", "https://example.com/repo.git", "."]
  # install:
  #   - args: [pip, install, -r, requirements.txt]
  #   - args: [pip, install, google-api-python-client, google-auth]
  # script: ./sync.py
  # interpreter: [python3]

secrets:
  source: env         # USERNAME, PASSWORD, CLIENT_ID, CLIENT_SECRET, REFRESH_TOKEN, PUSHOVER_TOKEN, PUSHOVER_USER_KEY

synchron:
  base_url: https://login.synchron.de
  max_appointments: 5

google:
  calendar_id: primary
  timezone: Europe/Berlin

sync:
  dry_run: false

pushover:
  enabled: true
  title: termsync

storage:
  driver: sqlite
  path: ./data/termsync.db

control:
  enabled: false
  addr: 127.0.0.1:8717
`
