// Package execution хранит дерево токенов (executions) процесса.
//
// Registry — арена execution, проиндексированная по ID. Связи parent/children
// хранятся как ID. Каждый execution владеет scope в variable.Tree с тем же ID.
//
// Жизненный цикл:
//
//	Start ──► ACTIVE ◄──► SUSPENDED
//	             │
//	             ▼
//	           ENDED (scope поддерева уничтожен)
//
// Корневой execution создаётся Start, его ID — process instance ID.
package execution
