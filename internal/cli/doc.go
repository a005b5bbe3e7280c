// Package cli реализует операторскую утилиту Tokenflow.
//
// # Обзор
//
// CLI работает напрямую с таблицей jobs и incidents через jobs.Queue
// и repo.IncidentRepo. Это те же операции, что видит runtime:
// сброс retries закрывает incident и будит воркеры, удаление job
// не зависит от lease.
//
// # Ключевые компоненты
//
// ## Client
//
// Обёртка над jobs.Queue и IncidentLister. Разбирает ID из аргументов
// и вычисляет состояние job (CREATED, DUE, LEASED, SUSPENDED, EXHAUSTED).
//
//	client := cli.NewClient(queue, repo.NewIncidentRepo(pool))
//	list, err := client.ListJobs(ctx, cli.ListJobsOpts{WithException: true})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
// tokenflow jobs list --exhausted --json | jq .
//
// ## Commands
//
//   - jobs: list, show, retry, suspend, resume, delete
//   - incidents: list
//
// Каждая группа создаётся через фабричную функцию (NewJobsCmd,
// NewIncidentsCmd), принимающую clientFn и outputFn — замыкания для
// ленивого создания Client и Output после парсинга PersistentFlags.
package cli
