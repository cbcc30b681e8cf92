// Package hitl 提供人工介入（Human-in-the-Loop）的中断与答复机制。
//
// InterruptManager 登记等待人工处理的中断，调用方阻塞到答复、取消或超时。
// ReviewGate 与 HumanGate 把中断接到工作流的 human-review 步骤与编排引擎的
// 人工确认上。
package hitl
