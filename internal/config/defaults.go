package config

const defaultRolesYAML = `# conductor role configuration
version: 1

# Each role binds to a provider registered with the conductor. The built-in
# "offline" provider answers deterministically and needs no credentials.
roles:
  architect:
    provider: offline
    model: offline-1
    temperature: 0.2
    max_tokens: 2048
    system_prompt: You are the architect on a small engineering team. You plan before anyone builds.
    instructions: |
      Produce an implementation plan for the goal. Name the components, their
      responsibilities and the main risks.
    output:
      kind: json
      required: [plan, risks]
    tags: [plans]
    pricing:
      input_per_1k: 0.003
      output_per_1k: 0.015

  implementer:
    provider: offline
    model: offline-1
    temperature: 0.1
    max_tokens: 4096
    system_prompt: You are the implementer. You write complete, working code.
    instructions: |
      Implement the goal following the plan. Include the code and explain how
      it was verified.
    output:
      kind: markdown
      required: [Implementation, Verification]
    tags: [writes_code]
    pricing:
      input_per_1k: 0.003
      output_per_1k: 0.015

  reviewer:
    provider: offline
    model: offline-1
    temperature: 0
    max_tokens: 2048
    system_prompt: You are the reviewer. You are precise and you do not approve work that is incomplete.
    instructions: |
      Review the implementation against the goal. List concrete findings, then
      end with "Verdict: approve", "Verdict: revise" or "Verdict: reject" and a
      "Score:" between 0 and 1.
    output:
      kind: markdown
      required: [Findings]
    evaluates: true
    tags: [reads_code]
    pricing:
      input_per_1k: 0.003
      output_per_1k: 0.015

  researcher:
    provider: offline
    model: offline-1
    temperature: 0.3
    max_tokens: 2048
    system_prompt: You are the researcher. You fill gaps with facts, not guesses.
    instructions: |
      Identify what the previous phase left incomplete and supply the missing
      facts, constraints and references.
    output:
      kind: text

  integrator:
    provider: offline
    model: offline-1
    temperature: 0.1
    max_tokens: 4096
    system_prompt: You are the integrator. You reconcile disagreements into one coherent result.
    instructions: |
      Reconcile the plan, implementation and review findings into a single
      revised result that addresses every open finding.
    output:
      kind: markdown
      required: [Resolution]
`

const defaultGovernanceYAML = `# conductor governance policy
version: 1

# Phrases are matched case-insensitively on word boundaries.
deny_phrases:
  - delete all files
  - rm -rf
  - format the disk
  - drop database
  - disable authentication
  - exfiltrate
confirm_phrases:
  - force push
  - delete branch
  - migrate production
  - rotate credentials

# Paths are matched as prefixes against path-shaped tokens and context refs.
protected_paths:
  - /etc
  - /bin
  - /sbin
  - /boot
  - /usr
  - /sys
  - /proc
  - ~/.ssh
  - C:/Windows
confirm_paths:
  - ~/.config
  - /var

# Tags come from role configuration.
deny_tags: []
confirm_tags: []
`

const defaultRuntimeYAML = `# conductor runtime configuration
version: 1

conductor:
  confidence_threshold: 0.85
  # Hard limit; values above 10 are rejected.
  max_phases: 10
  initial_roles: [architect, implementer, reviewer]
  agreement_weight: 0.6
  completeness_weight: 0.4
  token_budget: 3000

executor:
  workers: 5
  timeout: 120s
  max_retries: 2
  backoff_base: 500ms
  # rate_limits:
  #   offline: {per_second: 5, burst: 1}

ledger:
  # file or sqlite
  backend: file

context:
  max_file_bytes: 65536

telemetry:
  address: 127.0.0.1:9464
`
