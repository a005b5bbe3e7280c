// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с одним каналом, redial с удвоением задержки
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация wake-up, incidents и событий истории
//   - consumer.go   — чтение wake-up из jobs.due (ack всегда, без requeue)
//
// Типы сообщений:
//   - job.due           — job готов к выполнению (wake-up воркеров)
//   - incident.raised   — job исчерпал retries
//   - history.recorded  — событие истории runtime
//
// RabbitMQ только ускоряет доставку: источник правды — таблица jobs,
// воркеры продолжают работать через polling без брокера.
package mq
