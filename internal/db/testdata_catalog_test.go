package db

// testCatalogYAML is the catalog used by the seed tests and mirrors the
// shipped example: a subject menu, a grade menu and a terminal lesson node.
const testCatalogYAML = `
keywords:
  - keyword: math
    locale: en
    flow: lessons
    description: jump straight to lessons

rules:
  - channel: sms
    priority: 10
    matcher: regex
    value: "(?i)^(start|menu)$"
    flow: lessons
  - channel: sms
    priority: 20
    matcher: session-active
  - channel: sms
    priority: 30
    matcher: keyword
  - channel: sms
    priority: 1000
    matcher: fallback
    flow: lessons

flows:
  - id: lessons
    version: 1
    name: Lesson finder
    start: subject
    error: help_exit
    nodes:
      - id: subject
        kind: menu
        prompt: "Pick a subject:"
        capture: subject
        options:
          - {value: MATH, label: Math}
          - {value: SCIENCE, label: Science}
        default: grade
      - id: grade
        kind: menu
        prompt: "Pick your grade:"
        capture: grade
        options:
          - {value: "1-2", label: "Grade 1-2"}
          - {value: "3-4", label: "Grade 3-4"}
          - {value: "5-6", label: "Grade 5-6"}
          - {value: "7-8", label: "Grade 7-8"}
        default: done
      - id: done
        kind: terminal
        prompt: "Your lesson: {content}"
        content: true
      - id: help_exit
        kind: terminal
        prompt: "Text HELP for assistance."

targeting:
  - name: math-5-6
    grade: "5-6"
    subject: math
    lesson: L-MATH-56
  - name: any-math
    subject: MATH
    book: B-MATH
`
